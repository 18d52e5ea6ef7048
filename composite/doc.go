// Package composite implements the RSocket composite metadata and routing
// metadata extensions.
//
// A composite metadata buffer is a sequence of entries, each laid out as:
//
//	+-------------------------------+
//	| M | mime id or mime length-1  |  1 byte
//	+-------------------------------+
//	| mime type (US-ASCII)          |  0 bytes when M is set
//	+-------------------------------+
//	| metadata length (uint24 BE)   |  3 bytes
//	+-------------------------------+
//	| metadata                      |
//	+-------------------------------+
//
// When the M bit is set the low 7 bits index the well-known MIME table.
// Readers never re-read consumed bytes and skip entries they do not
// understand by their declared length.
package composite
