package model

import (
	"encoding/json"
	"fmt"

	"github.com/openfluke/loom/nn"

	"github.com/McKnightA/meta-multi-self-supervision/tensor"
)

// layerDef and networkDef mirror loom's JSON network description.
type layerDef struct {
	Type          string `json:"type"`
	Activation    string `json:"activation"`
	InputHeight   int    `json:"input_height"`
	InputWidth    int    `json:"input_width,omitempty"`
	InputChannels int    `json:"input_channels,omitempty"`
	Filters       int    `json:"filters,omitempty"`
	KernelSize    int    `json:"kernel_size,omitempty"`
	Stride        int    `json:"stride,omitempty"`
	Padding       int    `json:"padding,omitempty"`
	OutputHeight  int    `json:"output_height"`
	OutputWidth   int    `json:"output_width,omitempty"`
}

type networkDef struct {
	ID            string     `json:"id"`
	BatchSize     int        `json:"batch_size"`
	GridRows      int        `json:"grid_rows"`
	GridCols      int        `json:"grid_cols"`
	LayersPerCell int        `json:"layers_per_cell"`
	Layers        []layerDef `json:"layers"`
}

// linearActivation falls through loom's activation switch to the identity.
// loom parses the JSON name "linear" as ReLU, so output layers are switched
// to it after every build or load.
const linearActivation = nn.ActivationType(-1)

func dense(in, out int, activation string) layerDef {
	return layerDef{Type: "dense", Activation: activation, InputHeight: in, OutputHeight: out}
}

func buildNetwork(def networkDef) (*nn.Network, error) {
	def.GridRows, def.GridCols, def.LayersPerCell = 1, 1, len(def.Layers)
	if def.BatchSize == 0 {
		def.BatchSize = 1
	}
	raw, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("encoding %s network: %w", def.ID, err)
	}
	net, err := nn.BuildNetworkFromJSON(string(raw))
	if err != nil {
		return nil, fmt.Errorf("building %s network: %w", def.ID, err)
	}
	net.InitializeWeights()
	linearOutput(net)
	return net, nil
}

func linearOutput(net *nn.Network) {
	if n := len(net.Layers); n > 0 {
		net.Layers[n-1].Activation = linearActivation
	}
}

// loomNet runs a loom network over batches of flat rows.
type loomNet struct {
	net       *nn.Network
	in, out   int
	lastRows  int
	forwarded bool
}

func (l *loomNet) forward(rows []float32, n int) ([]float32, error) {
	if len(rows) != n*l.in {
		return nil, &tensor.ShapeError{Op: "loom forward", Want: []int{n, l.in}, Got: []int{len(rows)}}
	}
	l.net.BatchSize = n
	out, _ := l.net.ForwardCPU(rows)
	if len(out) != n*l.out {
		return nil, &tensor.ShapeError{Op: "loom forward output", Want: []int{n, l.out}, Got: []int{len(out)}}
	}
	l.lastRows = n
	l.forwarded = true
	return out, nil
}

func (l *loomNet) backward(grad []float32) ([]float32, error) {
	if !l.forwarded || len(grad) != l.lastRows*l.out {
		return nil, &tensor.ShapeError{Op: "loom backward", Want: []int{l.lastRows, l.out}, Got: []int{len(grad)}}
	}
	dx, _ := l.net.BackwardCPU(grad)
	if len(dx) != l.lastRows*l.in {
		return nil, &tensor.ShapeError{Op: "loom backward input", Want: []int{l.lastRows, l.in}, Got: []int{len(dx)}}
	}
	return dx, nil
}

func (l *loomNet) parameters(prefix string) []*Parameter {
	var params []*Parameter
	for i := range l.net.Layers {
		layer := &l.net.Layers[i]
		if len(layer.Kernel) > 0 {
			params = append(params, &Parameter{Name: fmt.Sprintf("%s.layer%d.kernel", prefix, i), Data: layer.Kernel})
		}
		if len(layer.Bias) > 0 {
			params = append(params, &Parameter{Name: fmt.Sprintf("%s.layer%d.bias", prefix, i), Data: layer.Bias})
		}
	}
	return params
}

func (l *loomNet) applyGradients(lr float32) {
	l.net.ApplyGradients(lr)
}

// Mount moves the network's weights to device. Mounting on the GPU falls
// back to the CPU and reports ErrDevice when no adapter is available.
func (l *loomNet) Mount(device string) error {
	switch device {
	case "", DeviceCPU:
		if l.net.GPU {
			l.net.ReleaseGPUWeights()
			l.net.GPU = false
		}
		return nil
	case DeviceGPU:
		l.net.GPU = true
		if err := l.net.WeightsToGPU(); err != nil {
			l.net.GPU = false
			return fmt.Errorf("%w: %s: %v", ErrDevice, device, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown device %q", ErrDevice, device)
	}
}

// LoomBackbone is a small convolutional embedding network built with loom:
// two 3x3 convolutions (the second with stride 2) and a dense projection.
type LoomBackbone struct {
	loomNet
	shape    [3]int
	features int
}

var (
	_ Backbone       = (*LoomBackbone)(nil)
	_ Backpropagator = (*LoomBackbone)(nil)
	_ Parameterized  = (*LoomBackbone)(nil)
	_ Trainable      = (*LoomBackbone)(nil)
)

// NewLoomBackbone builds a backbone for [C, H, W] inputs producing
// features-wide embeddings.
func NewLoomBackbone(channels, height, width, features int) (*LoomBackbone, error) {
	if channels <= 0 || height <= 0 || width <= 0 || features <= 0 {
		return nil, fmt.Errorf("loom backbone: invalid geometry %dx%dx%d -> %d", channels, height, width, features)
	}
	const filters1, filters2 = 8, 16
	h2, w2 := (height-1)/2+1, (width-1)/2+1
	def := networkDef{
		ID: backboneID,
		Layers: []layerDef{
			{Type: "conv2d", Activation: "relu", InputChannels: channels, Filters: filters1, KernelSize: 3, Stride: 1, Padding: 1,
				InputHeight: height, InputWidth: width, OutputHeight: height, OutputWidth: width},
			{Type: "conv2d", Activation: "relu", InputChannels: filters1, Filters: filters2, KernelSize: 3, Stride: 2, Padding: 1,
				InputHeight: height, InputWidth: width, OutputHeight: h2, OutputWidth: w2},
			dense(filters2*h2*w2, features, "linear"),
		},
	}
	net, err := buildNetwork(def)
	if err != nil {
		return nil, err
	}
	return &LoomBackbone{
		loomNet:  loomNet{net: net, in: channels * height * width, out: features},
		shape:    [3]int{channels, height, width},
		features: features,
	}, nil
}

// backboneID names the backbone inside saved loom model files.
const backboneID = "ssl_backbone"

// LoadLoomBackbone restores a backbone written by Save.
func LoadLoomBackbone(path string, channels, height, width, features int) (*LoomBackbone, error) {
	net, err := nn.LoadModel(path, backboneID)
	if err != nil {
		return nil, fmt.Errorf("loading backbone from %s: %w", path, err)
	}
	linearOutput(net)
	return &LoomBackbone{
		loomNet:  loomNet{net: net, in: channels * height * width, out: features},
		shape:    [3]int{channels, height, width},
		features: features,
	}, nil
}

// Save writes the backbone's architecture and weights as a loom model file.
func (b *LoomBackbone) Save(path string) error {
	if err := b.net.SaveModel(path, backboneID); err != nil {
		return fmt.Errorf("saving backbone to %s: %w", path, err)
	}
	return nil
}

func (b *LoomBackbone) Features() int { return b.features }

func (b *LoomBackbone) Forward(batch tensor.Tensor) (tensor.Tensor, error) {
	if err := batch.RequireRank("loom backbone", -1, b.shape[0], b.shape[1], b.shape[2]); err != nil {
		return tensor.Tensor{}, err
	}
	out, err := b.forward(batch.Data, batch.Rows())
	if err != nil {
		return tensor.Tensor{}, err
	}
	return tensor.FromData(out, batch.Rows(), b.features)
}

// Backward returns the gradient w.r.t. the last input batch.
func (b *LoomBackbone) Backward(grad tensor.Tensor) (tensor.Tensor, error) {
	dx, err := b.backward(grad.Data)
	if err != nil {
		return tensor.Tensor{}, err
	}
	return tensor.FromData(dx, b.lastRows, b.shape[0], b.shape[1], b.shape[2])
}

func (b *LoomBackbone) Parameters() []*Parameter { return b.parameters("backbone") }

func (b *LoomBackbone) ApplyGradients(lr float32) { b.applyGradients(lr) }

// LoomHead is a two-layer perceptron head.
type LoomHead struct {
	loomNet
}

var (
	_ FlatHead       = (*LoomHead)(nil)
	_ Backpropagator = (*LoomHead)(nil)
	_ Parameterized  = (*LoomHead)(nil)
	_ Trainable      = (*LoomHead)(nil)
)

// NewLoomHead is a FlatHeadFactory.
func NewLoomHead(features, width int) (FlatHead, error) {
	if features <= 0 || width <= 0 {
		return nil, fmt.Errorf("loom head: invalid widths %d -> %d", features, width)
	}
	hidden := max(features, width)
	net, err := buildNetwork(networkDef{
		ID:     "ssl_head",
		Layers: []layerDef{dense(features, hidden, "relu"), dense(hidden, width, "linear")},
	})
	if err != nil {
		return nil, err
	}
	return &LoomHead{loomNet{net: net, in: features, out: width}}, nil
}

func (h *LoomHead) Forward(features tensor.Tensor) (tensor.Tensor, error) {
	if err := features.RequireRank("loom head", -1, h.in); err != nil {
		return tensor.Tensor{}, err
	}
	out, err := h.forward(features.Data, features.Rows())
	if err != nil {
		return tensor.Tensor{}, err
	}
	return tensor.FromData(out, features.Rows(), h.out)
}

func (h *LoomHead) Backward(grad tensor.Tensor) (tensor.Tensor, error) {
	dx, err := h.backward(grad.Data)
	if err != nil {
		return tensor.Tensor{}, err
	}
	return tensor.FromData(dx, h.lastRows, h.in)
}

func (h *LoomHead) Parameters() []*Parameter { return h.parameters("head") }

func (h *LoomHead) ApplyGradients(lr float32) { h.applyGradients(lr) }

// DecoderGrid is the side of the coarse map a LoomDecoder predicts before
// upsampling to the target resolution.
const DecoderGrid = 4

// LoomDecoder predicts a DecoderGrid x DecoderGrid map with width channels
// from the features and upsamples it (nearest neighbour) to the requested
// spatial size.
type LoomDecoder struct {
	loomNet
	width  int
	target []int
}

var (
	_ SpatialHead    = (*LoomDecoder)(nil)
	_ Backpropagator = (*LoomDecoder)(nil)
	_ Parameterized  = (*LoomDecoder)(nil)
	_ Trainable      = (*LoomDecoder)(nil)
)

// NewLoomDecoder is a SpatialHeadFactory.
func NewLoomDecoder(features, width int) (SpatialHead, error) {
	if features <= 0 || width <= 0 {
		return nil, fmt.Errorf("loom decoder: invalid widths %d -> %d", features, width)
	}
	cells := width * DecoderGrid * DecoderGrid
	net, err := buildNetwork(networkDef{
		ID:     "ssl_decoder",
		Layers: []layerDef{dense(features, features, "relu"), dense(features, cells, "linear")},
	})
	if err != nil {
		return nil, err
	}
	return &LoomDecoder{loomNet: loomNet{net: net, in: features, out: cells}, width: width}, nil
}

func (d *LoomDecoder) Forward(features tensor.Tensor, target []int) (tensor.Tensor, error) {
	if err := features.RequireRank("loom decoder", -1, d.in); err != nil {
		return tensor.Tensor{}, err
	}
	if len(target) != 4 || target[0] != features.Rows() {
		return tensor.Tensor{}, &tensor.ShapeError{Op: "loom decoder target", Want: []int{features.Rows(), d.width, -1, -1}, Got: target}
	}
	coarse, err := d.forward(features.Data, features.Rows())
	if err != nil {
		return tensor.Tensor{}, err
	}
	n, h, w := target[0], target[2], target[3]
	out := tensor.New(n, d.width, h, w)
	for i := 0; i < n; i++ {
		for c := 0; c < d.width; c++ {
			cell := coarse[(i*d.width+c)*DecoderGrid*DecoderGrid:]
			for y := 0; y < h; y++ {
				gy := y * DecoderGrid / h
				for x := 0; x < w; x++ {
					out.Set4(i, c, y, x, cell[gy*DecoderGrid+x*DecoderGrid/w])
				}
			}
		}
	}
	d.target = []int{n, d.width, h, w}
	return out, nil
}

// Backward sums the upsampled gradient back onto the coarse grid before
// running loom's backward pass.
func (d *LoomDecoder) Backward(grad tensor.Tensor) (tensor.Tensor, error) {
	if d.target == nil {
		return tensor.Tensor{}, &tensor.ShapeError{Op: "loom decoder backward without forward", Want: []int{-1, d.width, -1, -1}, Got: grad.Shape}
	}
	if err := grad.RequireRank("loom decoder backward", d.target...); err != nil {
		return tensor.Tensor{}, err
	}
	n, h, w := d.target[0], d.target[2], d.target[3]
	coarse := make([]float32, n*d.out)
	for i := 0; i < n; i++ {
		for c := 0; c < d.width; c++ {
			cell := coarse[(i*d.width+c)*DecoderGrid*DecoderGrid:]
			for y := 0; y < h; y++ {
				gy := y * DecoderGrid / h
				for x := 0; x < w; x++ {
					cell[gy*DecoderGrid+x*DecoderGrid/w] += grad.At4(i, c, y, x)
				}
			}
		}
	}
	dx, err := d.backward(coarse)
	if err != nil {
		return tensor.Tensor{}, err
	}
	return tensor.FromData(dx, n, d.in)
}

func (d *LoomDecoder) Parameters() []*Parameter { return d.parameters("decoder") }

func (d *LoomDecoder) ApplyGradients(lr float32) { d.applyGradients(lr) }
