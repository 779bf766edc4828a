package native

// Logical function names used as FuncSpec.Name.
const (
	FnBackendInit          = "backend_init"
	FnBackendFree          = "backend_free"
	FnModelDefaultParams   = "model_default_params"
	FnContextDefaultParams = "context_default_params"
	FnModelLoad            = "model_load"
	FnModelFree            = "model_free"
	FnContextNew           = "context_new"
	FnContextFree          = "context_free"
	FnTokenize             = "tokenize"
	FnTokenToPiece         = "token_to_piece"
	FnDecode               = "decode"
	FnLogitsIth            = "logits_ith"
	FnEmbeddingsIth        = "embeddings_ith"
	FnEmbeddingsSeq        = "embeddings_seq"
	FnKVClear              = "kv_clear"
	FnStateSave            = "state_save"
	FnStateLoad            = "state_load"
	FnBatchInit            = "batch_init"
	FnBatchFree            = "batch_free"
	FnVocabSize            = "n_vocab"
	FnNCtx                 = "n_ctx"
	FnNCtxTrain            = "n_ctx_train"
	FnNEmbd                = "n_embd"
	FnTokenBOS             = "token_bos"
	FnTokenEOS             = "token_eos"

	FnSeqRemove = "seq_rm"
	FnSeqCopy   = "seq_cp"
	FnSeqKeep   = "seq_keep"
	FnSeqAdd    = "seq_add"
	FnSeqDiv    = "seq_div"
)

// Candidate IDs. Functions whose first argument changed from the model to
// the vocab, or from the context to its memory, are told apart by which
// accessor symbol resolved alongside them.
const (
	CandDefault = "default"
	CandLegacy  = "legacy"
	CandVocab   = "vocab"
	CandModel   = "model"
	CandMemory  = "memory"
	CandKVSelf  = "kv_self"
	CandKVCache = "kv_cache"
	CandState   = "state"
	CandSession = "session"
)

const (
	symGetVocab  = "llama_model_get_vocab"
	symGetMemory = "llama_get_memory"
)

func single(symbol string) []Signature {
	return []Signature{{ID: CandDefault, Symbols: []string{symbol}}}
}

func vocabOrModel(vocabFn, modelFn string) []Signature {
	return []Signature{
		{ID: CandVocab, Symbols: []string{symGetVocab, vocabFn}},
		{ID: CandModel, Symbols: []string{modelFn}},
	}
}

func seqOp(name string) []Signature {
	return []Signature{
		{ID: CandMemory, Symbols: []string{symGetMemory, "llama_memory_" + name}},
		{ID: CandKVSelf, Symbols: []string{"llama_kv_self_" + name}},
		{ID: CandKVCache, Symbols: []string{"llama_kv_cache_" + name}},
	}
}

// Specs returns the function table the engine binds, newest naming first.
func Specs() []FuncSpec {
	return []FuncSpec{
		{Name: FnBackendInit, Candidates: single("llama_backend_init")},
		{Name: FnBackendFree, Candidates: single("llama_backend_free")},
		{Name: FnModelDefaultParams, Candidates: single("llama_model_default_params")},
		{Name: FnContextDefaultParams, Candidates: single("llama_context_default_params")},
		{Name: FnModelLoad, Candidates: []Signature{
			{ID: CandDefault, Symbols: []string{"llama_model_load_from_file"}},
			{ID: CandLegacy, Symbols: []string{"llama_load_model_from_file"}},
		}},
		{Name: FnModelFree, Candidates: []Signature{
			{ID: CandDefault, Symbols: []string{"llama_model_free"}},
			{ID: CandLegacy, Symbols: []string{"llama_free_model"}},
		}},
		{Name: FnContextNew, Candidates: []Signature{
			{ID: CandDefault, Symbols: []string{"llama_init_from_model"}},
			{ID: CandLegacy, Symbols: []string{"llama_new_context_with_model"}},
		}},
		{Name: FnContextFree, Candidates: single("llama_free")},
		{Name: FnTokenize, Candidates: vocabOrModel("llama_tokenize", "llama_tokenize")},
		{Name: FnTokenToPiece, Candidates: vocabOrModel("llama_token_to_piece", "llama_token_to_piece")},
		{Name: FnDecode, Candidates: single("llama_decode")},
		{Name: FnLogitsIth, Candidates: single("llama_get_logits_ith")},
		{Name: FnEmbeddingsIth, Candidates: single("llama_get_embeddings_ith")},
		{Name: FnEmbeddingsSeq, Candidates: single("llama_get_embeddings_seq")},
		{Name: FnKVClear, Candidates: []Signature{
			{ID: CandMemory, Symbols: []string{symGetMemory, "llama_memory_clear"}},
			{ID: CandKVSelf, Symbols: []string{"llama_kv_self_clear"}},
			{ID: CandKVCache, Symbols: []string{"llama_kv_cache_clear"}},
		}},
		{Name: FnStateSave, Candidates: []Signature{
			{ID: CandState, Symbols: []string{"llama_state_save_file"}},
			{ID: CandSession, Symbols: []string{"llama_save_session_file"}},
		}},
		{Name: FnStateLoad, Candidates: []Signature{
			{ID: CandState, Symbols: []string{"llama_state_load_file"}},
			{ID: CandSession, Symbols: []string{"llama_load_session_file"}},
		}},
		{Name: FnBatchInit, Candidates: single("llama_batch_init")},
		{Name: FnBatchFree, Candidates: single("llama_batch_free")},
		{Name: FnVocabSize, Candidates: vocabOrModel("llama_vocab_n_tokens", "llama_n_vocab")},
		{Name: FnNCtx, Candidates: single("llama_n_ctx")},
		{Name: FnNCtxTrain, Candidates: []Signature{
			{ID: CandDefault, Symbols: []string{"llama_model_n_ctx_train"}},
			{ID: CandLegacy, Symbols: []string{"llama_n_ctx_train"}},
		}},
		{Name: FnNEmbd, Candidates: []Signature{
			{ID: CandDefault, Symbols: []string{"llama_model_n_embd"}},
			{ID: CandLegacy, Symbols: []string{"llama_n_embd"}},
		}},
		{Name: FnTokenBOS, Candidates: vocabOrModel("llama_vocab_bos", "llama_token_bos")},
		{Name: FnTokenEOS, Candidates: vocabOrModel("llama_vocab_eos", "llama_token_eos")},

		{Name: FnSeqRemove, Candidates: seqOp("seq_rm"), Optional: true},
		{Name: FnSeqCopy, Candidates: seqOp("seq_cp"), Optional: true},
		{Name: FnSeqKeep, Candidates: seqOp("seq_keep"), Optional: true},
		{Name: FnSeqAdd, Candidates: seqOp("seq_add"), Optional: true},
		{Name: FnSeqDiv, Candidates: seqOp("seq_div"), Optional: true},
	}
}

// CapabilitiesOf reports which optional functions a resolution bound.
func CapabilitiesOf(res *Resolution) Capabilities {
	return Capabilities{
		SeqRemove: res.Bound(FnSeqRemove),
		SeqCopy:   res.Bound(FnSeqCopy),
		SeqKeep:   res.Bound(FnSeqKeep),
		SeqAdd:    res.Bound(FnSeqAdd),
		SeqDiv:    res.Bound(FnSeqDiv),
	}
}
