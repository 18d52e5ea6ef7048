package composite

import "fmt"

// Well-known MIME identifiers used in compressed composite entries.
const (
	IDApplicationCBOR      byte = 0x01
	IDApplicationJSON      byte = 0x05
	IDApplicationOctet     byte = 0x06
	IDApplicationProtobuf  byte = 0x09
	IDApplicationXML       byte = 0x0A
	IDTextPlain            byte = 0x21
	IDMimeType             byte = 0x7A
	IDAcceptMimeTypes      byte = 0x7B
	IDAuthentication       byte = 0x7C
	IDTracingZipkin        byte = 0x7D
	IDRouting              byte = 0x7E
	IDCompositeMetadata    byte = 0x7F
	reservedMimeTypePrefix      = "application/x.rsocket.reserved."
)

// wellKnown is indexed by the 7-bit identifier; empty slots are unassigned.
var wellKnown = [128]string{
	0x00:                  "application/avro",
	IDApplicationCBOR:     "application/cbor",
	0x02:                  "application/graphql",
	0x03:                  "application/gzip",
	0x04:                  "application/javascript",
	IDApplicationJSON:     "application/json",
	IDApplicationOctet:    "application/octet-stream",
	0x07:                  "application/pdf",
	0x08:                  "application/vnd.apache.thrift.binary",
	IDApplicationProtobuf: "application/vnd.google.protobuf",
	IDApplicationXML:      "application/xml",
	0x0B:                  "application/zip",
	0x1E:                  "text/css",
	0x1F:                  "text/csv",
	0x20:                  "text/html",
	IDTextPlain:           "text/plain",
	0x22:                  "text/xml",
	0x28:                  "application/cloudevents+json",
	IDMimeType:            "message/x.rsocket.mime-type.v0",
	IDAcceptMimeTypes:     "message/x.rsocket.accept-mime-types.v0",
	IDAuthentication:      "message/x.rsocket.authentication.v0",
	IDTracingZipkin:       "message/x.rsocket.tracing-zipkin.v0",
	IDRouting:             "message/x.rsocket.routing.v0",
	IDCompositeMetadata:   "message/x.rsocket.composite-metadata.v0",
}

// WellKnownMimeType returns the MIME type for a compressed identifier.
// Identifiers missing from the table map to a reserved placeholder so that
// readers can still skip the entry.
func WellKnownMimeType(id byte) (string, bool) {
	if int(id) < len(wellKnown) && wellKnown[id] != "" {
		return wellKnown[id], true
	}
	return fmt.Sprintf("%s%d", reservedMimeTypePrefix, id), false
}

// WellKnownID reports the compressed identifier for mimeType, if any.
func WellKnownID(mimeType string) (byte, bool) {
	if mimeType == "" {
		return 0, false
	}
	for id, mime := range wellKnown {
		if mime == mimeType {
			return byte(id), true
		}
	}
	return 0, false
}
