//go:build !onnx

package embedding

// ONNXAvailable indicates whether the ONNX backend was compiled in.
const ONNXAvailable = false

// NewONNXEmbedder returns an error when ONNX support is not compiled in.
func NewONNXEmbedder(_ Config) (Embedder, error) {
	return nil, errONNXNotAvailable
}
