// Package console implements the VGA text mode console used as the kernel's
// diagnostic output sink.
package console

// ScrollDir defines a scroll direction.
type ScrollDir uint8

// The supported list of scroll directions for the console Scroll() calls.
const (
	ScrollDirUp ScrollDir = iota
	ScrollDirDown
)

// Color is one of the 16 EGA palette indices.
type Color uint8

// The EGA palette available in text mode.
const (
	Black Color = iota
	Blue
	Green
	Cyan
	Red
	Magenta
	Brown
	LightGray
	DarkGray
	LightBlue
	LightGreen
	LightCyan
	LightRed
	LightMagenta
	Yellow
	White
)

// Attr packs a foreground and background color into a VGA attribute byte.
func Attr(fg, bg Color) uint8 {
	return uint8(bg&0xf)<<4 | uint8(fg&0xf)
}
