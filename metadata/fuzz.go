package metadata

// Fuzz exercises header and table parsing against arbitrary bytes,
// adapting the teacher's go-fuzz entry-point convention (root
// fuzz.go) to global-metadata.dat instead of a PE image.
func Fuzz(data []byte) int {
	m, err := New(data, Options{})
	if err != nil {
		return 0
	}
	_ = m.Anomalies()
	return 1
}
