package checkpoints

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/tsawler/go-srgan/engine"
	"github.com/tsawler/go-srgan/layers"
	"google.golang.org/protobuf/encoding/protowire"
)

// ONNX field numbers (onnx.proto)
const (
	modelIRVersion       protowire.Number = 1
	modelProducerName    protowire.Number = 2
	modelProducerVersion protowire.Number = 3
	modelGraph           protowire.Number = 7
	modelOpsetImport     protowire.Number = 8

	opsetVersion protowire.Number = 2

	graphNode        protowire.Number = 1
	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5

	nodeInput     protowire.Number = 1
	nodeOutput    protowire.Number = 2
	nodeName      protowire.Number = 3
	nodeOpType    protowire.Number = 4
	nodeAttribute protowire.Number = 5

	attrName protowire.Number = 1
	attrInts protowire.Number = 8
	attrType protowire.Number = 20

	onnxTensorDims      protowire.Number = 1
	onnxTensorDataType  protowire.Number = 2
	onnxTensorFloatData protowire.Number = 4
	onnxTensorName      protowire.Number = 8
	onnxTensorRawData   protowire.Number = 9

	onnxFloat     = 1
	onnxAttrInts  = 7
	onnxIRVersion = 7
	onnxOpset     = 13
)

// ONNXNode is the subset of an ONNX NodeProto needed to locate weights
type ONNXNode struct {
	Name    string
	OpType  string
	Inputs  []string
	Outputs []string
}

// ONNXGraph holds the nodes and float initializers of an ONNX model
type ONNXGraph struct {
	Name         string
	Nodes        []ONNXNode
	Initializers map[string]WeightTensor
}

// ONNXImporter reads weights out of ONNX model files
type ONNXImporter struct{}

// NewONNXImporter creates a new ONNX importer
func NewONNXImporter() *ONNXImporter {
	return &ONNXImporter{}
}

// ImportFromONNX parses the graph nodes and initializers of an ONNX file
func (oi *ONNXImporter) ImportFromONNX(path string) (*ONNXGraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ONNX file: %w", err)
	}

	var graph *ONNXGraph
	err = walkMessage(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != modelGraph {
			return 0, nil
		}
		v, n, err := consumeBytes(num, typ, b)
		if err != nil {
			return 0, err
		}
		graph, err = oi.parseGraph(v)
		return n, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse ONNX model: %w", err)
	}
	if graph == nil {
		return nil, fmt.Errorf("ONNX model %s has no graph", path)
	}
	return graph, nil
}

func (oi *ONNXImporter) parseGraph(b []byte) (*ONNXGraph, error) {
	graph := &ONNXGraph{Initializers: make(map[string]WeightTensor)}
	err := walkMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case graphName:
			v, n, err := consumeBytes(num, typ, b)
			graph.Name = string(v)
			return n, err
		case graphNode:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			node, err := oi.parseNode(v)
			if err != nil {
				return 0, err
			}
			graph.Nodes = append(graph.Nodes, node)
			return n, nil
		case graphInitializer:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			t, ok, err := oi.parseTensor(v)
			if err != nil {
				return 0, err
			}
			if ok {
				graph.Initializers[t.Name] = t
			}
			return n, nil
		}
		return 0, nil
	})
	return graph, err
}

func (oi *ONNXImporter) parseNode(b []byte) (ONNXNode, error) {
	var node ONNXNode
	err := walkMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case nodeInput, nodeOutput, nodeName, nodeOpType:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			switch num {
			case nodeInput:
				node.Inputs = append(node.Inputs, string(v))
			case nodeOutput:
				node.Outputs = append(node.Outputs, string(v))
			case nodeName:
				node.Name = string(v)
			default:
				node.OpType = string(v)
			}
			return n, nil
		}
		return 0, nil
	})
	return node, err
}

// parseTensor decodes a TensorProto. Non-float tensors are skipped.
func (oi *ONNXImporter) parseTensor(b []byte) (WeightTensor, bool, error) {
	var (
		t        WeightTensor
		dataType uint64 = onnxFloat
		raw      []byte
	)
	err := walkMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case onnxTensorDims:
			// proto2 repeated int64: writers emit packed or unpacked
			if typ == protowire.VarintType {
				v, n := protowire.ConsumeVarint(b)
				if n < 0 {
					return 0, protowire.ParseError(n)
				}
				t.Shape = append(t.Shape, int(int64(v)))
				return n, nil
			}
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			for len(v) > 0 {
				d, m := protowire.ConsumeVarint(v)
				if m < 0 {
					return 0, protowire.ParseError(m)
				}
				t.Shape = append(t.Shape, int(int64(d)))
				v = v[m:]
			}
			return n, nil

		case onnxTensorDataType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			dataType = v
			return n, nil

		case onnxTensorFloatData:
			if typ == protowire.Fixed32Type {
				v, n := protowire.ConsumeFixed32(b)
				if n < 0 {
					return 0, protowire.ParseError(n)
				}
				t.Data = append(t.Data, math.Float32frombits(v))
				return n, nil
			}
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			t.Data = append(t.Data, decodeFloats(v)...)
			return n, nil

		case onnxTensorName:
			v, n, err := consumeBytes(num, typ, b)
			t.Name = string(v)
			return n, err

		case onnxTensorRawData:
			v, n, err := consumeBytes(num, typ, b)
			raw = v
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return t, false, err
	}
	if dataType != onnxFloat {
		return t, false, nil
	}
	if raw != nil {
		if len(raw)%4 != 0 {
			return t, false, fmt.Errorf("initializer %s: raw data length %d is not a multiple of 4", t.Name, len(raw))
		}
		t.Data = decodeFloats(raw)
	}
	if err := checkTensor(t.Name, t.Shape, len(t.Data)); err != nil {
		return t, false, err
	}
	t.Type = "initializer"
	return t, true, nil
}

func decodeFloats(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}

// ConvNodes returns the Conv nodes in graph order
func (g *ONNXGraph) ConvNodes() []ONNXNode {
	var convs []ONNXNode
	for _, node := range g.Nodes {
		if node.OpType == "Conv" {
			convs = append(convs, node)
		}
	}
	return convs
}

// ImportConvWeights copies Conv initializers into the model's Conv2D layers,
// pairing them in order. The model may have fewer convolutions than the
// graph (a truncated trunk). Returns the number of layers imported.
func ImportConvWeights(model *engine.Model, graph *ONNXGraph) (int, error) {
	convs := graph.ConvNodes()

	params := make(map[string]*engine.Parameter)
	for _, p := range model.Parameters() {
		params[p.Name] = p
	}

	type assignment struct {
		dst *engine.Parameter
		src WeightTensor
	}
	var pending []assignment

	imported := 0
	for _, layer := range model.Spec().Layers {
		if layer.Type != layers.Conv2D {
			continue
		}
		if imported >= len(convs) {
			return 0, fmt.Errorf("ONNX graph has %d Conv nodes, model needs more (at layer %s)", len(convs), layer.Name)
		}
		node := convs[imported]
		if len(node.Inputs) < 2 {
			return 0, fmt.Errorf("Conv node %s has no weight input", node.Name)
		}

		w, ok := graph.Initializers[node.Inputs[1]]
		if !ok {
			return 0, fmt.Errorf("Conv node %s: initializer %s not found", node.Name, node.Inputs[1])
		}
		dst := params[layer.Name+".weight"]
		if !shapesMatch(dst.Value.Shape, w.Shape) {
			return 0, fmt.Errorf("layer %s: weight shape %v does not match ONNX %v", layer.Name, dst.Value.Shape, w.Shape)
		}
		pending = append(pending, assignment{dst, w})

		if bias, ok := params[layer.Name+".bias"]; ok && len(node.Inputs) > 2 {
			b, ok := graph.Initializers[node.Inputs[2]]
			if !ok {
				return 0, fmt.Errorf("Conv node %s: initializer %s not found", node.Name, node.Inputs[2])
			}
			if !shapesMatch(bias.Value.Shape, b.Shape) {
				return 0, fmt.Errorf("layer %s: bias shape %v does not match ONNX %v", layer.Name, bias.Value.Shape, b.Shape)
			}
			pending = append(pending, assignment{bias, b})
		}
		imported++
	}

	for _, a := range pending {
		copy(a.dst.Value.Data, a.src.Data)
	}
	return imported, nil
}

func shapesMatch(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ONNXExporter writes the convolutional weights of a model as an ONNX graph
// of Conv nodes with float initializers.
type ONNXExporter struct {
	producer string
}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{producer: "go-srgan"}
}

// ExportConvWeights writes every Conv2D layer of model as a Conv node whose
// weight and bias are graph initializers.
func (oe *ONNXExporter) ExportConvWeights(model *engine.Model, path string) error {
	params := make(map[string]*engine.Parameter)
	for _, p := range model.Parameters() {
		params[p.Name] = p
	}

	var graph []byte
	graph = appendString(graph, graphName, model.Spec().Name)

	current := layers.InputName
	for _, layer := range model.Spec().Layers {
		if layer.Type != layers.Conv2D {
			continue
		}
		w := params[layer.Name+".weight"]
		inputs := []string{current, w.Name}
		graph = protowire.AppendTag(graph, graphInitializer, protowire.BytesType)
		graph = protowire.AppendBytes(graph, encodeONNXTensor(w.Name, w.Value.Shape, w.Value.Data))
		if b, ok := params[layer.Name+".bias"]; ok {
			inputs = append(inputs, b.Name)
			graph = protowire.AppendTag(graph, graphInitializer, protowire.BytesType)
			graph = protowire.AppendBytes(graph, encodeONNXTensor(b.Name, b.Value.Shape, b.Value.Data))
		}

		k := layer.IntParam("kernel_size", 1)
		s := layer.IntParam("stride", 1)
		p := layer.IntParam("padding", 0)

		var node []byte
		for _, in := range inputs {
			node = protowire.AppendTag(node, nodeInput, protowire.BytesType)
			node = protowire.AppendString(node, in)
		}
		node = appendString(node, nodeOutput, layer.Name)
		node = appendString(node, nodeName, layer.Name)
		node = appendString(node, nodeOpType, "Conv")
		node = appendIntsAttribute(node, "kernel_shape", k, k)
		node = appendIntsAttribute(node, "strides", s, s)
		node = appendIntsAttribute(node, "pads", p, p, p, p)

		graph = protowire.AppendTag(graph, graphNode, protowire.BytesType)
		graph = protowire.AppendBytes(graph, node)
		current = layer.Name
	}

	var opset []byte
	opset = protowire.AppendTag(opset, opsetVersion, protowire.VarintType)
	opset = protowire.AppendVarint(opset, onnxOpset)

	var out []byte
	out = protowire.AppendTag(out, modelIRVersion, protowire.VarintType)
	out = protowire.AppendVarint(out, onnxIRVersion)
	out = appendString(out, modelProducerName, oe.producer)
	out = appendString(out, modelProducerVersion, "1.0.0")
	out = protowire.AppendTag(out, modelGraph, protowire.BytesType)
	out = protowire.AppendBytes(out, graph)
	out = protowire.AppendTag(out, modelOpsetImport, protowire.BytesType)
	out = protowire.AppendBytes(out, opset)

	if err := os.WriteFile(path, out, 0644); err != nil {
		return fmt.Errorf("failed to write ONNX file: %w", err)
	}
	return nil
}

func appendIntsAttribute(b []byte, name string, values ...int) []byte {
	var attr []byte
	attr = appendString(attr, attrName, name)
	for _, v := range values {
		attr = protowire.AppendTag(attr, attrInts, protowire.VarintType)
		attr = protowire.AppendVarint(attr, uint64(v))
	}
	attr = protowire.AppendTag(attr, attrType, protowire.VarintType)
	attr = protowire.AppendVarint(attr, onnxAttrInts)

	b = protowire.AppendTag(b, nodeAttribute, protowire.BytesType)
	return protowire.AppendBytes(b, attr)
}

func encodeONNXTensor(name string, shape []int, data []float32) []byte {
	var b []byte
	for _, d := range shape {
		b = protowire.AppendTag(b, onnxTensorDims, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d))
	}
	b = protowire.AppendTag(b, onnxTensorDataType, protowire.VarintType)
	b = protowire.AppendVarint(b, onnxFloat)
	b = appendString(b, onnxTensorName, name)

	raw := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	b = protowire.AppendTag(b, onnxTensorRawData, protowire.BytesType)
	return protowire.AppendBytes(b, raw)
}
