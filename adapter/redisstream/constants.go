package redisstream

// Entry fields (avoid typos/allocs)
const (
	fieldKind         = "kind"
	fieldConn         = "conn"
	fieldID           = "id"
	fieldReplyTo      = "reply_to"
	fieldServer       = "server"
	fieldRoute        = "route"
	fieldMetadataMime = "metadata_mime"
	fieldMetadata     = "metadata" // raw bytes (binary-safe, no base64)
	fieldDataMime     = "data_mime"
	fieldData         = "data"
	fieldDemand       = "demand"
	fieldCode         = "code"
	fieldMessage      = "message"
	fieldProducedAt   = "producedAt" // int64 ns
)

// Entry kinds written by requesters.
const (
	kindSetup        = "setup"
	kindMetadataPush = "metadata_push"
	kindFireForget   = "fnf"
	kindRequestResp  = "rr"
	kindStream       = "rs"
	kindChannel      = "rc"
	kindRequestN     = "request_n"
	kindCancel       = "cancel"
	kindClose        = "close"
)

// Entry kinds written by both sides. Requesters use next and complete for
// request-channel units.
const (
	kindNext     = "next"
	kindComplete = "complete"
)

// Entry kinds written by responders.
const (
	kindError    = "error"
	kindAccepted = "accepted"
	kindRejected = "rejected"
)
