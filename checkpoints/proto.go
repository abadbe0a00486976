package checkpoints

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the weight file messages.
//
//	message WeightFile {
//	  string framework = 1; string version = 2; string model_name = 3;
//	  repeated Tensor weights = 4; TrainingState training = 5;
//	  int64 created_at = 6; string description = 7; repeated string tags = 8;
//	  Optimizer optimizer = 9;
//	}
//	message Tensor { string name = 1; repeated int64 shape = 2;
//	  repeated float data = 3; string layer = 4; string type = 5; }
const (
	fileFramework   protowire.Number = 1
	fileVersion     protowire.Number = 2
	fileModelName   protowire.Number = 3
	fileWeight      protowire.Number = 4
	fileTraining    protowire.Number = 5
	fileCreatedAt   protowire.Number = 6
	fileDescription protowire.Number = 7
	fileTag         protowire.Number = 8
	fileOptimizer   protowire.Number = 9

	tensorName  protowire.Number = 1
	tensorShape protowire.Number = 2
	tensorData  protowire.Number = 3
	tensorLayer protowire.Number = 4
	tensorType  protowire.Number = 5

	trainEpoch      protowire.Number = 1
	trainStep       protowire.Number = 2
	trainLR         protowire.Number = 3
	trainBestLoss   protowire.Number = 4
	trainTotalSteps protowire.Number = 5

	optType   protowire.Number = 1
	optTensor protowire.Number = 2
	optParam  protowire.Number = 3

	paramKey   protowire.Number = 1
	paramValue protowire.Number = 2
)

func encodeProto(cp *Checkpoint) ([]byte, error) {
	var b []byte
	b = appendString(b, fileFramework, cp.Metadata.Framework)
	b = appendString(b, fileVersion, cp.Metadata.Version)
	b = appendString(b, fileModelName, cp.Metadata.ModelName)

	for i := range cp.Weights {
		w := &cp.Weights[i]
		if err := checkTensor(w.Name, w.Shape, len(w.Data)); err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fileWeight, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeTensor(w.Name, w.Shape, w.Data, w.Layer, w.Type))
	}

	b = protowire.AppendTag(b, fileTraining, protowire.BytesType)
	b = protowire.AppendBytes(b, encodeTrainingState(cp.TrainingState))

	if !cp.Metadata.CreatedAt.IsZero() {
		b = protowire.AppendTag(b, fileCreatedAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(cp.Metadata.CreatedAt.UnixNano()))
	}
	b = appendString(b, fileDescription, cp.Metadata.Description)
	for _, tag := range cp.Metadata.Tags {
		b = protowire.AppendTag(b, fileTag, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}

	if cp.OptimizerState != nil {
		opt, err := encodeOptimizer(cp.OptimizerState)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fileOptimizer, protowire.BytesType)
		b = protowire.AppendBytes(b, opt)
	}
	return b, nil
}

func checkTensor(name string, shape []int, n int) error {
	size := 1
	for _, d := range shape {
		size *= d
	}
	if size != n {
		return fmt.Errorf("tensor %s: shape %v holds %d values, got %d", name, shape, size, n)
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func encodeTensor(name string, shape []int, data []float32, layer, typ string) []byte {
	var b []byte
	b = appendString(b, tensorName, name)

	var dims []byte
	for _, d := range shape {
		dims = protowire.AppendVarint(dims, uint64(d))
	}
	b = protowire.AppendTag(b, tensorShape, protowire.BytesType)
	b = protowire.AppendBytes(b, dims)

	values := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(values[4*i:], math.Float32bits(v))
	}
	b = protowire.AppendTag(b, tensorData, protowire.BytesType)
	b = protowire.AppendBytes(b, values)

	b = appendString(b, tensorLayer, layer)
	b = appendString(b, tensorType, typ)
	return b
}

func encodeTrainingState(ts TrainingState) []byte {
	var b []byte
	b = protowire.AppendTag(b, trainEpoch, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(ts.Epoch)))
	b = protowire.AppendTag(b, trainStep, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(ts.Step)))
	b = protowire.AppendTag(b, trainLR, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, math.Float32bits(ts.LearningRate))
	b = protowire.AppendTag(b, trainBestLoss, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, math.Float32bits(ts.BestLoss))
	b = protowire.AppendTag(b, trainTotalSteps, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(ts.TotalSteps)))
	return b
}

func encodeOptimizer(state *OptimizerState) ([]byte, error) {
	var b []byte
	b = appendString(b, optType, state.Type)
	for i := range state.StateData {
		t := &state.StateData[i]
		if err := checkTensor(t.Name, t.Shape, len(t.Data)); err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, optTensor, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeTensor(t.Name, t.Shape, t.Data, "", t.StateType))
	}

	keys := make([]string, 0, len(state.Parameters))
	for k := range state.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, ok := toFloat64(state.Parameters[k])
		if !ok {
			return nil, fmt.Errorf("optimizer parameter %s has unsupported type %T", k, state.Parameters[k])
		}
		var p []byte
		p = appendString(p, paramKey, k)
		p = protowire.AppendTag(p, paramValue, protowire.Fixed64Type)
		p = protowire.AppendFixed64(p, math.Float64bits(v))
		b = protowire.AppendTag(b, optParam, protowire.BytesType)
		b = protowire.AppendBytes(b, p)
	}
	return b, nil
}

func toFloat64(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	default:
		return 0, false
	}
}

// fieldFunc handles one decoded field and returns the bytes it consumed, or
// a negative protowire error code.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

// walkMessage visits every field of a protobuf message
func walkMessage(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

// consumeBytes reads a length-delimited field, reporting wire type mismatches
func consumeBytes(num protowire.Number, typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("field %d: expected length-delimited, got wire type %d", num, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func decodeProto(data []byte) (*Checkpoint, error) {
	cp := &Checkpoint{}
	err := walkMessage(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fileFramework, fileVersion, fileModelName, fileDescription, fileTag:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			s := string(v)
			switch num {
			case fileFramework:
				cp.Metadata.Framework = s
			case fileVersion:
				cp.Metadata.Version = s
			case fileModelName:
				cp.Metadata.ModelName = s
			case fileDescription:
				cp.Metadata.Description = s
			case fileTag:
				cp.Metadata.Tags = append(cp.Metadata.Tags, s)
			}
			return n, nil

		case fileWeight:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			t, err := decodeTensor(v)
			if err != nil {
				return 0, err
			}
			cp.Weights = append(cp.Weights, WeightTensor{
				Name: t.name, Shape: t.shape, Data: t.data, Layer: t.layer, Type: t.typ,
			})
			return n, nil

		case fileTraining:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			cp.TrainingState, err = decodeTrainingState(v)
			return n, err

		case fileCreatedAt:
			if typ != protowire.VarintType {
				return 0, nil
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			cp.Metadata.CreatedAt = time.Unix(0, int64(v))
			return n, nil

		case fileOptimizer:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			cp.OptimizerState, err = decodeOptimizer(v)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return cp, nil
}

type decodedTensor struct {
	name, layer, typ string
	shape            []int
	data             []float32
}

func decodeTensor(b []byte) (*decodedTensor, error) {
	t := &decodedTensor{}
	err := walkMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case tensorName, tensorLayer, tensorType:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			switch num {
			case tensorName:
				t.name = string(v)
			case tensorLayer:
				t.layer = string(v)
			default:
				t.typ = string(v)
			}
			return n, nil

		case tensorShape:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			for len(v) > 0 {
				d, m := protowire.ConsumeVarint(v)
				if m < 0 {
					return 0, protowire.ParseError(m)
				}
				t.shape = append(t.shape, int(d))
				v = v[m:]
			}
			return n, nil

		case tensorData:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			if len(v)%4 != 0 {
				return 0, fmt.Errorf("tensor data length %d is not a multiple of 4", len(v))
			}
			t.data = make([]float32, len(v)/4)
			for i := range t.data {
				t.data[i] = math.Float32frombits(binary.LittleEndian.Uint32(v[4*i:]))
			}
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	if err := checkTensor(t.name, t.shape, len(t.data)); err != nil {
		return nil, err
	}
	return t, nil
}

func decodeTrainingState(b []byte) (TrainingState, error) {
	var ts TrainingState
	err := walkMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			x := int(protowire.DecodeZigZag(v))
			switch num {
			case trainEpoch:
				ts.Epoch = x
			case trainStep:
				ts.Step = x
			case trainTotalSteps:
				ts.TotalSteps = x
			}
			return n, nil
		case typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			switch num {
			case trainLR:
				ts.LearningRate = math.Float32frombits(v)
			case trainBestLoss:
				ts.BestLoss = math.Float32frombits(v)
			}
			return n, nil
		}
		return 0, nil
	})
	return ts, err
}

func decodeOptimizer(b []byte) (*OptimizerState, error) {
	state := &OptimizerState{Parameters: map[string]interface{}{}}
	err := walkMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case optType:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			state.Type = string(v)
			return n, nil

		case optTensor:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			t, err := decodeTensor(v)
			if err != nil {
				return 0, err
			}
			state.StateData = append(state.StateData, OptimizerTensor{
				Name: t.name, Shape: t.shape, Data: t.data, StateType: t.typ,
			})
			return n, nil

		case optParam:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			var key string
			var value float64
			err = walkMessage(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch {
				case num == paramKey && typ == protowire.BytesType:
					s, m := protowire.ConsumeString(b)
					if m < 0 {
						return 0, protowire.ParseError(m)
					}
					key = s
					return m, nil
				case num == paramValue && typ == protowire.Fixed64Type:
					x, m := protowire.ConsumeFixed64(b)
					if m < 0 {
						return 0, protowire.ParseError(m)
					}
					value = math.Float64frombits(x)
					return m, nil
				}
				return 0, nil
			})
			if err != nil {
				return 0, err
			}
			state.Parameters[key] = value
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}
