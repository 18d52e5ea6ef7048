package xrsocket

import "github.com/trickstertwo/xrsocket/composite"

// Well-known MIME types understood by the extractor and the built-in codecs.
const (
	MimeRouting           = "message/x.rsocket.routing.v0"
	MimeCompositeMetadata = "message/x.rsocket.composite-metadata.v0"
	MimeBearer            = "message/x.rsocket.authentication.bearer.v0"

	MimeJSON        = "application/json"
	MimeYAML        = "application/yaml"
	MimeProtobuf    = "application/vnd.google.protobuf"
	MimeText        = "text/plain"
	MimeOctetStream = "application/octet-stream"
)

// IsComposite reports whether mimeType denotes composite metadata.
func IsComposite(mimeType string) bool {
	return mimeType == MimeCompositeMetadata
}

// ComposeMetadata packs entries into a composite metadata buffer.
func ComposeMetadata(entries ...MetadataEntry) ([]byte, error) {
	ce := make([]composite.Entry, len(entries))
	for i, e := range entries {
		ce[i] = composite.Entry{MimeType: e.MimeType, Data: e.Data}
	}
	return composite.Encode(ce...)
}

// RouteEntry returns a routing metadata entry for route.
func RouteEntry(route string) (MetadataEntry, error) {
	b, err := composite.EncodeRoute(route)
	if err != nil {
		return MetadataEntry{}, err
	}
	return MetadataEntry{MimeType: MimeRouting, Data: b}, nil
}
