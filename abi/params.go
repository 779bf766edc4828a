package abi

import (
	"fmt"
	"unsafe"
)

// ParamKind selects which native parameter struct a copy targets.
type ParamKind int

const (
	ModelParams ParamKind = iota
	ContextParams
)

func (k ParamKind) String() string {
	switch k {
	case ModelParams:
		return "model"
	case ContextParams:
		return "context"
	default:
		return fmt.Sprintf("ParamKind(%d)", int(k))
	}
}

// Overrides patches a copied parameter struct.
type Overrides interface {
	Kind() ParamKind
	Apply(s *Struct)
}

// ModelOverrides are the llama_model_params fields the engine controls.
type ModelOverrides struct {
	GPULayers int32
	UseMMap   bool
	UseMLock  bool
}

// Kind implements Overrides.
func (ModelOverrides) Kind() ParamKind { return ModelParams }

// Apply implements Overrides.
func (o ModelOverrides) Apply(s *Struct) {
	s.SetInt32(FieldNGPULayers, o.GPULayers)
	s.SetBool(FieldUseMMap, o.UseMMap)
	s.SetBool(FieldUseMLock, o.UseMLock)
}

// PoolingUnspecified leaves pooling to the model's metadata.
const PoolingUnspecified int32 = -1

// YarnParams are the YaRN rope scaling knobs.
type YarnParams struct {
	ExtFactor  float32 `yaml:"ext_factor"`
	AttnFactor float32 `yaml:"attn_factor"`
	BetaFast   float32 `yaml:"beta_fast"`
	BetaSlow   float32 `yaml:"beta_slow"`
	OrigCtx    uint32  `yaml:"orig_ctx"`
}

// ContextOverrides are the llama_context_params fields the engine controls.
// Zero UBatchSize and SeqMax keep the native defaults. A nil Yarn keeps
// the native YaRN settings.
type ContextOverrides struct {
	ContextSize    uint32
	BatchSize      uint32
	UBatchSize     uint32
	SeqMax         uint32
	Threads        int32
	ThreadsBatch   int32
	RopeFreqBase   float32
	RopeFreqScale  float32
	Yarn           *YarnParams
	Pooling        int32
	Embeddings     bool
	FlashAttention bool
}

// Kind implements Overrides.
func (ContextOverrides) Kind() ParamKind { return ContextParams }

// Apply implements Overrides.
func (o ContextOverrides) Apply(s *Struct) {
	s.SetUint32(FieldNCtx, o.ContextSize)
	s.SetUint32(FieldNBatch, o.BatchSize)
	if o.UBatchSize > 0 {
		s.SetUint32(FieldNUBatch, o.UBatchSize)
	}
	if o.SeqMax > 0 {
		s.SetUint32(FieldNSeqMax, o.SeqMax)
	}
	s.SetInt32(FieldNThreads, o.Threads)
	threadsBatch := o.ThreadsBatch
	if threadsBatch <= 0 {
		threadsBatch = o.Threads
	}
	s.SetInt32(FieldNThreadsBatch, threadsBatch)
	s.SetFloat32(FieldRopeFreqBase, o.RopeFreqBase)
	s.SetFloat32(FieldRopeFreqScale, o.RopeFreqScale)
	if y := o.Yarn; y != nil {
		s.SetFloat32(FieldYarnExtFactor, y.ExtFactor)
		s.SetFloat32(FieldYarnAttnFactor, y.AttnFactor)
		s.SetFloat32(FieldYarnBetaFast, y.BetaFast)
		s.SetFloat32(FieldYarnBetaSlow, y.BetaSlow)
		s.SetUint32(FieldYarnOrigCtx, y.OrigCtx)
	}
	s.SetInt32(FieldPoolingType, o.Pooling)
	s.SetBool(FieldEmbeddings, o.Embeddings)
	s.SetBool(FieldFlashAttn, o.FlashAttention)
}

// Codec encodes native structs for one LayoutSet into one Arena.
type Codec struct {
	layouts LayoutSet
	arena   *Arena
}

// NewCodec binds a layout set to the arena all encoded structs live in.
func NewCodec(layouts LayoutSet, arena *Arena) *Codec {
	return &Codec{layouts: layouts, arena: arena}
}

// Layouts returns the codec's layout set.
func (c *Codec) Layouts() LayoutSet { return c.layouts }

func (c *Codec) layoutFor(kind ParamKind) *Layout {
	switch kind {
	case ModelParams:
		return c.layouts.Model
	case ContextParams:
		return c.layouts.Context
	default:
		panic(fmt.Sprintf("abi: unknown param kind %v", kind))
	}
}

// CopyDefaultParamsAndPatch copies the native defaults for kind into a new
// arena buffer and applies overrides to the copy. defaults is never
// written to.
func (c *Codec) CopyDefaultParamsAndPatch(kind ParamKind, defaults []byte, overrides Overrides) (*Struct, error) {
	layout := c.layoutFor(kind)
	if uintptr(len(defaults)) != layout.Size {
		return nil, fmt.Errorf("%w: %s defaults are %d bytes, layout %s wants %d",
			ErrSizeMismatch, kind, len(defaults), c.layouts.Version, layout.Size)
	}
	if overrides != nil && overrides.Kind() != kind {
		panic(fmt.Sprintf("abi: %s overrides applied to %s params", overrides.Kind(), kind))
	}

	s, err := NewStruct(c.arena, layout)
	if err != nil {
		return nil, err
	}
	copy(unsafe.Slice((*byte)(s.Pointer()), layout.Size), defaults)
	if overrides != nil {
		overrides.Apply(s)
	}
	return s, nil
}
