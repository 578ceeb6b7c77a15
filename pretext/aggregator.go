package pretext

import (
	"fmt"

	"github.com/McKnightA/meta-multi-self-supervision/logger"
	"github.com/McKnightA/meta-multi-self-supervision/model"
	"github.com/McKnightA/meta-multi-self-supervision/tensor"
)

// Observer is told about every loss a MultiTask computes.
type Observer interface {
	ObserveTask(task string, value float32, rows int)
	ObserveStep(value float32)
}

// Segment locates one task's prepared rows inside Batch.Inputs and the raw
// rows they were derived from.
type Segment struct {
	Task       string
	Start, End int
	RawStart   int
	RawEnd     int
}

func (s Segment) Rows() int { return s.End - s.Start }

// Batch is the concatenation of every task's prepared batch.
type Batch struct {
	Inputs   tensor.Tensor
	Segments []Segment
	// Raw is the number of rows of the raw batch.
	Raw int
}

// Result is the combined loss of one step.
type Result struct {
	// Value is the mean of the task losses.
	Value  float32
	Losses []Loss
	// FeatureGrad is the gradient of Value w.r.t. the features passed to
	// GenerateLoss, row-aligned with them. Rows of tasks whose head cannot
	// back-propagate are zero.
	FeatureGrad tensor.Tensor
}

// MultiTask trains several tasks against one backbone. The tasks are kept
// in construction order, which is also the order of Parameters.
type MultiTask struct {
	tasks    []Task
	split    Split
	observer Observer
	log      logger.Logger
	params   []*model.Parameter
}

// NewMultiTask collects the parameters of tasks and fails with
// ErrDuplicateParameter when two tasks share one.
func NewMultiTask(tasks []Task, opts ...Option) (*MultiTask, error) {
	if len(tasks) == 0 {
		return nil, ErrNoTasks
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	m := &MultiTask{
		tasks:    tasks,
		split:    o.split,
		observer: o.observer,
		log:      o.log.With("component", "multitask"),
	}
	owner := make(map[*float32]string)
	for _, t := range tasks {
		for _, p := range t.Parameters() {
			if len(p.Data) > 0 {
				key := &p.Data[0]
				if prev, ok := owner[key]; ok {
					return nil, fmt.Errorf("%w: %s of %s already belongs to %s", ErrDuplicateParameter, p.Name, t.Name(), prev)
				}
				owner[key] = t.Name()
			}
			m.params = append(m.params, p)
		}
	}
	m.log.Debug("multitask built", "tasks", len(tasks), "parameters", len(m.params), "split", m.split)
	return m, nil
}

// NewAllFourSSL builds Rotation, Colorization, Contrastive and
// MaskedAutoEncoding against one feature width. opts apply to every task
// and to the MultiTask.
func NewAllFourSSL(features int, flat model.FlatHeadFactory, spatial model.SpatialHeadFactory, opts ...Option) (*MultiTask, error) {
	rotation, err := NewRotation(features, flat, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", RotationName, err)
	}
	colorization, err := NewColorization(features, spatial, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ColorizationName, err)
	}
	contrastive, err := NewContrastive(features, flat, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ContrastiveName, err)
	}
	masked, err := NewMaskedAutoEncoding(features, spatial, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", MaskedName, err)
	}
	return NewMultiTask([]Task{rotation, colorization, contrastive, masked}, opts...)
}

func (m *MultiTask) Tasks() []Task { return m.tasks }

func (m *MultiTask) Split() Split { return m.split }

// Parameters returns every task's parameters, each exactly once.
func (m *MultiTask) Parameters() []*model.Parameter { return m.params }

func (m *MultiTask) ApplyGradients(lr float32) {
	for _, t := range m.tasks {
		t.ApplyGradients(lr)
	}
}

// rawRange is the slice of an n-row raw batch task i pretreats.
func (m *MultiTask) rawRange(n, i int) (int, int) {
	if m.split == SplitShared {
		return 0, n
	}
	k := len(m.tasks)
	return i * n / k, (i + 1) * n / k
}

// Pretreat runs every task's Pretreat and stacks the results.
func (m *MultiTask) Pretreat(raw tensor.Tensor) (*Batch, error) {
	n := raw.Rows()
	if n == 0 {
		return nil, &tensor.ShapeError{Op: "multitask input", Want: []int{-1, -1, -1, -1}, Got: raw.Shape}
	}
	if m.split == SplitPartition && n < len(m.tasks) {
		return nil, &tensor.ShapeError{Op: fmt.Sprintf("partitioning between %d tasks", len(m.tasks)), Want: []int{len(m.tasks)}, Got: raw.Shape}
	}
	batch := &Batch{Raw: n}
	prepared := make([]tensor.Tensor, 0, len(m.tasks))
	offset := 0
	for i, t := range m.tasks {
		lo, hi := m.rawRange(n, i)
		sub, err := raw.SliceRows(lo, hi)
		if err != nil {
			return nil, err
		}
		in, err := t.Pretreat(sub)
		if err != nil {
			return nil, err
		}
		batch.Segments = append(batch.Segments, Segment{
			Task:     t.Name(),
			Start:    offset,
			End:      offset + in.Rows(),
			RawStart: lo,
			RawEnd:   hi,
		})
		offset += in.Rows()
		prepared = append(prepared, in)
	}
	inputs, err := tensor.ConcatRows(prepared...)
	if err != nil {
		return nil, fmt.Errorf("stacking prepared batches: %w", err)
	}
	batch.Inputs = inputs
	m.log.Debug("pretreated", "raw_rows", n, "rows", inputs.Rows())
	return batch, nil
}

// GenerateLoss hands each task its slice of features and averages the
// losses. Supervised tasks need WithLabels.
func (m *MultiTask) GenerateLoss(batch *Batch, features tensor.Tensor, opts ...LossOption) (*Result, error) {
	if batch == nil || features.Rank() != 2 || features.Rows() != batch.Inputs.Rows() {
		rows := -1
		if batch != nil {
			rows = batch.Inputs.Rows()
		}
		return nil, &tensor.ShapeError{Op: "multitask features", Want: []int{rows, -1}, Got: features.Shape}
	}
	if len(batch.Segments) != len(m.tasks) {
		return nil, fmt.Errorf("batch has %d segments for %d tasks", len(batch.Segments), len(m.tasks))
	}
	lo := collectLossOptions(opts)
	scale := 1 / float32(len(m.tasks))
	res := &Result{FeatureGrad: tensor.New(features.Shape...)}
	var total float32
	for i, t := range m.tasks {
		seg := batch.Segments[i]
		slice, err := features.SliceRows(seg.Start, seg.End)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", t.Name(), err)
		}

		var l Loss
		switch task := t.(type) {
		case Supervised:
			if len(lo.labels) != batch.Raw {
				return nil, fmt.Errorf("%s: %w: %d labels for %d raw rows", t.Name(), ErrLabelCount, len(lo.labels), batch.Raw)
			}
			l, err = task.GenerateLoss(slice, lo.labels[seg.RawStart:seg.RawEnd])
		case SelfSupervised:
			l, err = task.GenerateLoss(slice, opts...)
		default:
			err = fmt.Errorf("%s: task has no GenerateLoss", t.Name())
		}
		if err != nil {
			return nil, err
		}

		if !l.FeatureGrad.Empty() {
			if l.FeatureGrad.Len() != slice.Len() {
				return nil, fmt.Errorf("%s: %w", t.Name(), &tensor.ShapeError{Op: "feature gradient", Want: slice.Shape, Got: l.FeatureGrad.Shape})
			}
			dst := res.FeatureGrad.Data[seg.Start*features.RowSize() : seg.End*features.RowSize()]
			for j, g := range l.FeatureGrad.Data {
				dst[j] = g * scale
			}
		}
		total += l.Value
		res.Losses = append(res.Losses, l)
		if m.observer != nil {
			m.observer.ObserveTask(t.Name(), l.Value, seg.Rows())
		}
	}
	res.Value = total * scale
	if m.observer != nil {
		m.observer.ObserveStep(res.Value)
	}
	m.log.Debug("step loss", "value", res.Value)
	return res, nil
}

// Step pretreats raw, embeds it with backbone and computes the combined loss.
func (m *MultiTask) Step(backbone model.Backbone, raw tensor.Tensor, opts ...LossOption) (*Batch, *Result, error) {
	batch, err := m.Pretreat(raw)
	if err != nil {
		return nil, nil, err
	}
	features, err := backbone.Forward(batch.Inputs)
	if err != nil {
		return nil, nil, fmt.Errorf("backbone: %w", err)
	}
	res, err := m.GenerateLoss(batch, features, opts...)
	if err != nil {
		return nil, nil, err
	}
	return batch, res, nil
}

// Backward hands each task its rows of the gradient w.r.t. batch.Inputs so
// harmonization modules accumulate their gradients.
func (m *MultiTask) Backward(batch *Batch, inputGrad tensor.Tensor) error {
	if batch == nil || !tensor.SameShape(inputGrad, batch.Inputs) {
		var want []int
		if batch != nil {
			want = batch.Inputs.Shape
		}
		return &tensor.ShapeError{Op: "multitask input gradient", Want: want, Got: inputGrad.Shape}
	}
	for i, t := range m.tasks {
		seg := batch.Segments[i]
		g, err := inputGrad.SliceRows(seg.Start, seg.End)
		if err != nil {
			return fmt.Errorf("%s: %w", t.Name(), err)
		}
		if _, err := BackwardInput(t, g); err != nil {
			return err
		}
	}
	return nil
}
