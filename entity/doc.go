// Package entity maps character entity references used in mathematical markup
// (named, hexadecimal, and decimal forms) to Unicode codepoints and back. The
// table is constructed once and injected into components that need it; it is
// read-only after construction and safe for concurrent use.
package entity
