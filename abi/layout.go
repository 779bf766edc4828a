// Package abi holds the byte-offset layouts of the native llama.cpp structs
// and the codec that reads and writes them in Arena-owned memory.
//
// Nothing outside this package knows a field offset. Supporting a native
// library build that reorders fields means adding a LayoutSet here.
package abi

import (
	"fmt"
	"sort"
)

// Kind is the C type stored in a struct field.
type Kind int

const (
	KindInt32 Kind = iota
	KindUint32
	KindFloat32
	KindBool
	KindPtr
)

func (k Kind) String() string {
	switch k {
	case KindInt32:
		return "int32"
	case KindUint32:
		return "uint32"
	case KindFloat32:
		return "float32"
	case KindBool:
		return "bool"
	case KindPtr:
		return "pointer"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Size returns the number of bytes a field of kind k occupies.
func (k Kind) Size() uintptr {
	switch k {
	case KindBool:
		return 1
	case KindPtr:
		return 8
	default:
		return 4
	}
}

// Field is one named member of a native struct.
type Field struct {
	Offset uintptr
	Kind   Kind
}

// Layout describes a native struct: its total size and its known fields.
// Fields the codec never touches are left out; their bytes are copied
// through unchanged from the native defaults.
type Layout struct {
	Name   string
	Size   uintptr
	Fields map[string]Field
}

// Field returns the named field or panics. An unknown field name is a
// programming error, not a runtime condition.
func (l *Layout) Field(name string) Field {
	f, ok := l.Fields[name]
	if !ok {
		panic(fmt.Sprintf("abi: layout %s has no field %q", l.Name, name))
	}
	return f
}

// Validate checks that every field fits inside the struct and that no two
// fields overlap.
func (l *Layout) Validate() error {
	type span struct {
		name       string
		start, end uintptr
	}
	spans := make([]span, 0, len(l.Fields))
	for name, f := range l.Fields {
		end := f.Offset + f.Kind.Size()
		if end > l.Size {
			return fmt.Errorf("abi: %s.%s ends at %d, past struct size %d", l.Name, name, end, l.Size)
		}
		if f.Kind == KindPtr && f.Offset%8 != 0 {
			return fmt.Errorf("abi: %s.%s pointer at unaligned offset %d", l.Name, name, f.Offset)
		}
		spans = append(spans, span{name, f.Offset, end})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	for i := 1; i < len(spans); i++ {
		if spans[i].start < spans[i-1].end {
			return fmt.Errorf("abi: %s fields %s and %s overlap", l.Name, spans[i-1].name, spans[i].name)
		}
	}
	return nil
}

// LayoutSet is the full set of struct layouts for one native ABI version.
type LayoutSet struct {
	Version string
	Model   *Layout
	Context *Layout
	Batch   *Layout
}

// Field names shared by every LayoutSet.
const (
	// llama_model_params
	FieldDevices      = "devices"
	FieldNGPULayers   = "n_gpu_layers"
	FieldSplitMode    = "split_mode"
	FieldMainGPU      = "main_gpu"
	FieldTensorSplit  = "tensor_split"
	FieldRPCServers   = "rpc_servers"
	FieldProgressCB   = "progress_callback"
	FieldProgressData = "progress_callback_user_data"
	FieldKVOverrides  = "kv_overrides"
	FieldVocabOnly    = "vocab_only"
	FieldUseMMap      = "use_mmap"
	FieldUseMLock     = "use_mlock"
	FieldCheckTensors = "check_tensors"

	// llama_context_params
	FieldNCtx           = "n_ctx"
	FieldNBatch         = "n_batch"
	FieldNUBatch        = "n_ubatch"
	FieldNSeqMax        = "n_seq_max"
	FieldNThreads       = "n_threads"
	FieldNThreadsBatch  = "n_threads_batch"
	FieldRopeScaling    = "rope_scaling_type"
	FieldPoolingType    = "pooling_type"
	FieldAttentionType  = "attention_type"
	FieldRopeFreqBase   = "rope_freq_base"
	FieldRopeFreqScale  = "rope_freq_scale"
	FieldYarnExtFactor  = "yarn_ext_factor"
	FieldYarnAttnFactor = "yarn_attn_factor"
	FieldYarnBetaFast   = "yarn_beta_fast"
	FieldYarnBetaSlow   = "yarn_beta_slow"
	FieldYarnOrigCtx    = "yarn_orig_ctx"
	FieldDefragThold    = "defrag_thold"
	FieldCBEval         = "cb_eval"
	FieldCBEvalData     = "cb_eval_user_data"
	FieldTypeK          = "type_k"
	FieldTypeV          = "type_v"
	FieldLogitsAll      = "logits_all"
	FieldEmbeddings     = "embeddings"
	FieldOffloadKQV     = "offload_kqv"
	FieldFlashAttn      = "flash_attn"
	FieldNoPerf         = "no_perf"
	FieldAbortCB        = "abort_callback"
	FieldAbortData      = "abort_callback_data"

	// llama_batch
	FieldNTokens = "n_tokens"
	FieldToken   = "token"
	FieldEmbd    = "embd"
	FieldPos     = "pos"
	FieldNSeqID  = "n_seq_id"
	FieldSeqID   = "seq_id"
	FieldLogits  = "logits"
)

// Supported ABI versions.
const (
	VersionB3600   = "b3600"
	VersionB4500   = "b4500"
	DefaultVersion = VersionB4500
)

var batchLayout = &Layout{
	Name: "llama_batch",
	Size: 56,
	Fields: map[string]Field{
		FieldNTokens: {0, KindInt32},
		FieldToken:   {8, KindPtr},
		FieldEmbd:    {16, KindPtr},
		FieldPos:     {24, KindPtr},
		FieldNSeqID:  {32, KindPtr},
		FieldSeqID:   {40, KindPtr},
		FieldLogits:  {48, KindPtr},
	},
}

// contextFields is the llama_context_params layout shared by both versions.
// b4500 adds no_perf in what was padding after flash_attn.
func contextFields(noPerf bool) map[string]Field {
	f := map[string]Field{
		FieldNCtx:           {0, KindUint32},
		FieldNBatch:         {4, KindUint32},
		FieldNUBatch:        {8, KindUint32},
		FieldNSeqMax:        {12, KindUint32},
		FieldNThreads:       {16, KindInt32},
		FieldNThreadsBatch:  {20, KindInt32},
		FieldRopeScaling:    {24, KindInt32},
		FieldPoolingType:    {28, KindInt32},
		FieldAttentionType:  {32, KindInt32},
		FieldRopeFreqBase:   {36, KindFloat32},
		FieldRopeFreqScale:  {40, KindFloat32},
		FieldYarnExtFactor:  {44, KindFloat32},
		FieldYarnAttnFactor: {48, KindFloat32},
		FieldYarnBetaFast:   {52, KindFloat32},
		FieldYarnBetaSlow:   {56, KindFloat32},
		FieldYarnOrigCtx:    {60, KindUint32},
		FieldDefragThold:    {64, KindFloat32},
		FieldCBEval:         {72, KindPtr},
		FieldCBEvalData:     {80, KindPtr},
		FieldTypeK:          {88, KindInt32},
		FieldTypeV:          {92, KindInt32},
		FieldLogitsAll:      {96, KindBool},
		FieldEmbeddings:     {97, KindBool},
		FieldOffloadKQV:     {98, KindBool},
		FieldFlashAttn:      {99, KindBool},
		FieldAbortCB:        {104, KindPtr},
		FieldAbortData:      {112, KindPtr},
	}
	if noPerf {
		f[FieldNoPerf] = Field{100, KindBool}
	}
	return f
}

var layoutSets = map[string]LayoutSet{
	VersionB3600: {
		Version: VersionB3600,
		Model: &Layout{
			Name: "llama_model_params",
			Size: 64,
			Fields: map[string]Field{
				FieldNGPULayers:   {0, KindInt32},
				FieldSplitMode:    {4, KindInt32},
				FieldMainGPU:      {8, KindInt32},
				FieldTensorSplit:  {16, KindPtr},
				FieldRPCServers:   {24, KindPtr},
				FieldProgressCB:   {32, KindPtr},
				FieldProgressData: {40, KindPtr},
				FieldKVOverrides:  {48, KindPtr},
				FieldVocabOnly:    {56, KindBool},
				FieldUseMMap:      {57, KindBool},
				FieldUseMLock:     {58, KindBool},
				FieldCheckTensors: {59, KindBool},
			},
		},
		Context: &Layout{Name: "llama_context_params", Size: 120, Fields: contextFields(false)},
		Batch:   batchLayout,
	},
	VersionB4500: {
		Version: VersionB4500,
		Model: &Layout{
			Name: "llama_model_params",
			Size: 64,
			Fields: map[string]Field{
				FieldDevices:      {0, KindPtr},
				FieldNGPULayers:   {8, KindInt32},
				FieldSplitMode:    {12, KindInt32},
				FieldMainGPU:      {16, KindInt32},
				FieldTensorSplit:  {24, KindPtr},
				FieldProgressCB:   {32, KindPtr},
				FieldProgressData: {40, KindPtr},
				FieldKVOverrides:  {48, KindPtr},
				FieldVocabOnly:    {56, KindBool},
				FieldUseMMap:      {57, KindBool},
				FieldUseMLock:     {58, KindBool},
				FieldCheckTensors: {59, KindBool},
			},
		},
		Context: &Layout{Name: "llama_context_params", Size: 120, Fields: contextFields(true)},
		Batch:   batchLayout,
	},
}

// ForVersion returns the layouts for an ABI version. An empty version
// selects DefaultVersion.
func ForVersion(version string) (LayoutSet, error) {
	if version == "" {
		version = DefaultVersion
	}
	set, ok := layoutSets[version]
	if !ok {
		return LayoutSet{}, fmt.Errorf("%w: %q (supported: %v)", ErrUnknownVersion, version, Versions())
	}
	return set, nil
}

// Versions lists the supported ABI versions in order.
func Versions() []string {
	out := make([]string, 0, len(layoutSets))
	for v := range layoutSets {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
