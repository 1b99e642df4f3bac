// Package classifierrpc holds the wire contract shared by the classification
// gRPC server and client. Messages are protobuf well-known types, so no
// generated code is needed:
//
//	bloodgroup.v1.Classifier/Classify  google.protobuf.BytesValue -> google.protobuf.Struct
//	bloodgroup.v1.Classifier/ModelID   google.protobuf.Empty      -> google.protobuf.StringValue
//
// The Struct carries {"label": string, "scores": [8 numbers]}.
package classifierrpc

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/bloodgroup/internal/bloodgroup"
	"github.com/example/bloodgroup/internal/inference"
)

const (
	ServiceName        = "bloodgroup.v1.Classifier"
	ClassifyMethod     = "Classify"
	ModelIDMethod      = "ModelID"
	ClassifyFullMethod = "/" + ServiceName + "/" + ClassifyMethod
	ModelIDFullMethod  = "/" + ServiceName + "/" + ModelIDMethod

	// MaxMessageSize bounds request messages; it must exceed the HTTP upload limit.
	MaxMessageSize = 12 << 20
)

const (
	labelField  = "label"
	scoresField = "scores"
)

// EncodeResult converts a classification into its wire form.
func EncodeResult(r inference.Result) *structpb.Struct {
	values := make([]*structpb.Value, len(r.RawScores))
	for i, s := range r.RawScores {
		values[i] = structpb.NewNumberValue(float64(s))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		labelField:  structpb.NewStringValue(r.Label),
		scoresField: structpb.NewListValue(&structpb.ListValue{Values: values}),
	}}
}

// DecodeResult validates and converts a wire result. A wrong number of scores
// yields *bloodgroup.MalformedScoresError.
func DecodeResult(msg *structpb.Struct) (inference.Result, error) {
	fields := msg.GetFields()

	list := fields[scoresField].GetListValue()
	if list == nil {
		return inference.Result{}, fmt.Errorf("classifier response is missing %q", scoresField)
	}
	raw := make([]float32, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return inference.Result{}, fmt.Errorf("classifier response score %d is not a number", i)
		}
		raw = append(raw, float32(n.NumberValue))
	}
	scores, err := bloodgroup.ScoresFrom(raw)
	if err != nil {
		return inference.Result{}, err
	}

	label := fields[labelField].GetStringValue()
	if !bloodgroup.IsLabel(label) {
		return inference.Result{}, fmt.Errorf("classifier response has unknown label %q", label)
	}
	if label != scores.Label() {
		return inference.Result{}, fmt.Errorf("classifier response label %q disagrees with scores (%q)", label, scores.Label())
	}
	return inference.Result{Label: label, RawScores: scores}, nil
}
