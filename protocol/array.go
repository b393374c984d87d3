package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ArrayMessage is the wire form of an integer array, laid out like the
// std_msgs/Int32MultiArray message the topics carry
type ArrayMessage struct {
	Layout ArrayLayout `json:"layout"`
	Data   []int32     `json:"data"`
}

// ArrayLayout describes how Data maps onto a multi-dimensional array
type ArrayLayout struct {
	Dim        []ArrayDimension `json:"dim"`
	DataOffset uint32           `json:"data_offset"`
}

// ArrayDimension is one dimension of an ArrayLayout
type ArrayDimension struct {
	Label  string `json:"label"`
	Size   uint32 `json:"size"`
	Stride uint32 `json:"stride"`
}

// DecodeArray parses an ArrayMessage and returns its data. The layout is not
// interpreted: data is taken verbatim.
func DecodeArray(body []byte) ([]int32, error) {
	var msg ArrayMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("decode array message: %w", err)
	}
	if msg.Data == nil {
		return []int32{}, nil
	}
	return msg.Data, nil
}

// EncodeArray serializes data as an ArrayMessage with an empty layout
func EncodeArray(data []int32) ([]byte, error) {
	if data == nil {
		data = []int32{}
	}
	body, err := json.Marshal(ArrayMessage{
		Layout: ArrayLayout{Dim: []ArrayDimension{}},
		Data:   data,
	})
	if err != nil {
		return nil, fmt.Errorf("encode array message: %w", err)
	}
	return body, nil
}

// FormatArray renders data for logs as space separated values, each followed
// by a space
func FormatArray(data []int32) string {
	var sb strings.Builder
	for _, v := range data {
		sb.WriteString(strconv.FormatInt(int64(v), 10))
		sb.WriteByte(' ')
	}
	return sb.String()
}
