package protocol

// ObjectChunk is the object tag every canonical streaming chunk carries
const ObjectChunk = "chat.completion.chunk"

// Hook names accepted by the control plane's generic hook endpoint
const (
	HookPreCall         = "pre_call"
	HookPostCallSuccess = "post_call_success"
	HookPostCallFailure = "post_call_failure"
	HookPostCallStream  = "post_call_streaming"
	HookModeration      = "moderation"
	HookChunkTimeout    = "chunk_timeout"
)
