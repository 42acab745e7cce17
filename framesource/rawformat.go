package framesource

// FrameSize returns the per-frame byte size of a headerless raw pixel
// stream at the given geometry: width*height*bitsPerPixel bits, rounded
// up to a whole byte for the frame as a whole (rows are not padded).
func FrameSize(width, height, bitsPerPixel int) int {
	return (width*height*bitsPerPixel + 7) / 8
}
