package transfer

// ObjectDescriptor describes a stored object after an upload or copy.
//
// For multipart objects ETag is a composite value, not a content hash.
type ObjectDescriptor struct {
	Bucket    string
	Key       string
	ETag      string
	VersionID string
	Size      int64
	Multipart bool
	PartCount int
}
