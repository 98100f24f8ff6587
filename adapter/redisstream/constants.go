package redisstream

// Stream entry fields.
const (
	fieldName       = "name"
	fieldType       = "type"
	fieldProducer   = "producer"
	fieldSession    = "session"
	fieldCodec      = "codec"
	fieldPayload    = "payload"    // raw codec bytes
	fieldProducedAt = "producedAt" // int64 ns
)
