package checkpoints

import (
	"fmt"
	"math"
	"slices"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// The binary format is a protobuf wire-format message:
//
//	message Checkpoint {
//	  Metadata metadata = 1;
//	  TrainingState training_state = 2;
//	  repeated Weight weights = 3;
//	  Optimizer optimizer = 4;
//	  Scheduler scheduler = 5;
//	}
//
// Tensor data is packed fixed64 doubles, shapes are packed varints.

const (
	fieldMetadata  protowire.Number = 1
	fieldTraining  protowire.Number = 2
	fieldWeight    protowire.Number = 3
	fieldOptimizer protowire.Number = 4
	fieldScheduler protowire.Number = 5
)

// MarshalBinary encodes a checkpoint in the binary format.
func MarshalBinary(c *Checkpoint) []byte {
	var b []byte
	b = appendMessage(b, fieldMetadata, marshalMetadata(&c.Metadata))
	b = appendMessage(b, fieldTraining, marshalTraining(&c.TrainingState))
	for i := range c.Weights {
		w := &c.Weights[i]
		b = appendMessage(b, fieldWeight, marshalTensor(w.Name, w.Shape, w.Data, w.Layer, w.Type))
	}
	if c.OptimizerState != nil {
		b = appendMessage(b, fieldOptimizer, marshalOptimizer(c.OptimizerState))
	}
	if c.SchedulerState != nil {
		b = appendMessage(b, fieldScheduler, marshalScheduler(c.SchedulerState))
	}
	return b
}

// UnmarshalBinary decodes a checkpoint written by MarshalBinary.
func UnmarshalBinary(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case fieldMetadata:
			return unmarshalMetadata(v, &c.Metadata)
		case fieldTraining:
			return unmarshalTraining(v, &c.TrainingState)
		case fieldWeight:
			t, err := unmarshalTensor(v)
			if err != nil {
				return err
			}
			c.Weights = append(c.Weights, WeightTensor{Name: t.name, Shape: t.shape, Data: t.data, Layer: t.extra, Type: t.kind})
		case fieldOptimizer:
			c.OptimizerState = &OptimizerState{}
			return unmarshalOptimizer(v, c.OptimizerState)
		case fieldScheduler:
			c.SchedulerState = &SchedulerState{}
			return unmarshalScheduler(v, c.SchedulerState)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendPackedInts(b []byte, num protowire.Number, vs []int) []byte {
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func appendPackedDoubles(b []byte, num protowire.Number, vs []float64) []byte {
	packed := make([]byte, 0, 8*len(vs))
	for _, v := range vs {
		packed = protowire.AppendFixed64(packed, math.Float64bits(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

// walkFields calls fn for each field in b. For BytesType fields v is the
// payload; for scalar fields v is the raw encoded value.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var v []byte
		switch typ {
		case protowire.BytesType:
			payload, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			v, n = payload, m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			v = b[:n]
		}
		if err := fn(num, typ, v); err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		b = b[n:]
	}
	return nil
}

func varintValue(v []byte) (int64, error) {
	x, n := protowire.ConsumeVarint(v)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return int64(x), nil
}

func doubleValue(v []byte) (float64, error) {
	x, n := protowire.ConsumeFixed64(v)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return math.Float64frombits(x), nil
}

func packedInts(v []byte) ([]int, error) {
	var out []int
	for len(v) > 0 {
		x, n := protowire.ConsumeVarint(v)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, int(int64(x)))
		v = v[n:]
	}
	return out, nil
}

func packedDoubles(v []byte) ([]float64, error) {
	if len(v)%8 != 0 {
		return nil, fmt.Errorf("packed doubles length %d not a multiple of 8", len(v))
	}
	out := make([]float64, 0, len(v)/8)
	for len(v) > 0 {
		x, n := protowire.ConsumeFixed64(v)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, math.Float64frombits(x))
		v = v[n:]
	}
	return out, nil
}

func marshalMetadata(m *CheckpointMetadata) []byte {
	var b []byte
	b = appendString(b, 1, m.Version)
	b = appendString(b, 2, m.Framework)
	if !m.CreatedAt.IsZero() {
		b = appendInt(b, 3, m.CreatedAt.UnixNano())
	}
	b = appendString(b, 4, m.RunID)
	b = appendString(b, 5, m.Description)
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b
}

func unmarshalMetadata(b []byte, m *CheckpointMetadata) error {
	return walkFields(b, func(num protowire.Number, _ protowire.Type, v []byte) error {
		switch num {
		case 1:
			m.Version = string(v)
		case 2:
			m.Framework = string(v)
		case 3:
			ns, err := varintValue(v)
			if err != nil {
				return err
			}
			m.CreatedAt = time.Unix(0, ns).UTC()
		case 4:
			m.RunID = string(v)
		case 5:
			m.Description = string(v)
		case 6:
			m.Tags = append(m.Tags, string(v))
		}
		return nil
	})
}

func marshalTraining(s *TrainingState) []byte {
	var b []byte
	b = appendInt(b, 1, int64(s.Epoch))
	b = appendInt(b, 2, int64(s.Step))
	b = appendDouble(b, 3, s.LearningRate)
	b = appendDouble(b, 4, s.BestMetric)
	b = appendInt(b, 5, int64(s.NoImproveCount))
	return b
}

func unmarshalTraining(b []byte, s *TrainingState) error {
	return walkFields(b, func(num protowire.Number, _ protowire.Type, v []byte) error {
		var err error
		var n int64
		switch num {
		case 1:
			n, err = varintValue(v)
			s.Epoch = int(n)
		case 2:
			n, err = varintValue(v)
			s.Step = int(n)
		case 3:
			s.LearningRate, err = doubleValue(v)
		case 4:
			s.BestMetric, err = doubleValue(v)
		case 5:
			n, err = varintValue(v)
			s.NoImproveCount = int(n)
		}
		return err
	})
}

// tensor fields: 1 name, 2 shape, 3 data, 4 layer or state type, 5 kind.
type tensorFields struct {
	name  string
	shape []int
	data  []float64
	extra string
	kind  string
}

func marshalTensor(name string, shape []int, data []float64, extra, kind string) []byte {
	var b []byte
	b = appendString(b, 1, name)
	b = appendPackedInts(b, 2, shape)
	b = appendPackedDoubles(b, 3, data)
	b = appendString(b, 4, extra)
	b = appendString(b, 5, kind)
	return b
}

func unmarshalTensor(b []byte) (*tensorFields, error) {
	t := &tensorFields{}
	err := walkFields(b, func(num protowire.Number, _ protowire.Type, v []byte) error {
		var err error
		switch num {
		case 1:
			t.name = string(v)
		case 2:
			t.shape, err = packedInts(v)
		case 3:
			t.data, err = packedDoubles(v)
		case 4:
			t.extra = string(v)
		case 5:
			t.kind = string(v)
		}
		return err
	})
	return t, err
}

func marshalOptimizer(o *OptimizerState) []byte {
	var b []byte
	b = appendString(b, 1, o.Type)
	for _, key := range sortedKeys(o.Parameters) {
		var kv []byte
		kv = appendString(kv, 1, key)
		kv = appendDouble(kv, 2, o.Parameters[key])
		b = appendMessage(b, 2, kv)
	}
	for i := range o.StateData {
		s := &o.StateData[i]
		b = appendMessage(b, 3, marshalTensor(s.Name, s.Shape, s.Data, s.StateType, ""))
	}
	return b
}

func sortedKeys(m map[string]float64) []string {
	var keys []string
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func unmarshalOptimizer(b []byte, o *OptimizerState) error {
	o.Parameters = make(map[string]float64)
	return walkFields(b, func(num protowire.Number, _ protowire.Type, v []byte) error {
		switch num {
		case 1:
			o.Type = string(v)
		case 2:
			var key string
			var val float64
			err := walkFields(v, func(n protowire.Number, _ protowire.Type, f []byte) error {
				var err error
				switch n {
				case 1:
					key = string(f)
				case 2:
					val, err = doubleValue(f)
				}
				return err
			})
			if err != nil {
				return err
			}
			o.Parameters[key] = val
		case 3:
			t, err := unmarshalTensor(v)
			if err != nil {
				return err
			}
			o.StateData = append(o.StateData, OptimizerTensor{Name: t.name, Shape: t.shape, Data: t.data, StateType: t.extra})
		}
		return nil
	})
}

func marshalScheduler(s *SchedulerState) []byte {
	var b []byte
	b = appendString(b, 1, s.Type)
	b = appendDouble(b, 2, s.BestMetric)
	b = appendInt(b, 3, int64(s.BadEpochs))
	b = appendDouble(b, 4, s.CurrentLR)
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(s.Initialized))
	return b
}

func unmarshalScheduler(b []byte, s *SchedulerState) error {
	return walkFields(b, func(num protowire.Number, _ protowire.Type, v []byte) error {
		var err error
		var n int64
		switch num {
		case 1:
			s.Type = string(v)
		case 2:
			s.BestMetric, err = doubleValue(v)
		case 3:
			n, err = varintValue(v)
			s.BadEpochs = int(n)
		case 4:
			s.CurrentLR, err = doubleValue(v)
		case 5:
			n, err = varintValue(v)
			s.Initialized = protowire.DecodeBool(uint64(n))
		}
		return err
	})
}
