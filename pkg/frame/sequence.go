package frame

// Sequence walks the output indices up and down, 0..N-1, N-1..0, 1..N-1,
// and so on, rotating the lit colour channel through red, green and blue
// every time it bounces off the bottom.
type Sequence struct {
	n       int
	index   int
	step    int
	channel int
}

// NewSequence returns the sequence over n outputs.
func NewSequence(n int) *Sequence {
	return &Sequence{n: n, step: 1}
}

// Next returns the next output index and the parameters to render it with.
func (s *Sequence) Next() (uint32, [4]float32) {
	index := s.index
	rgba := [4]float32{0, 0, 0, 1}
	if s.n > 1 {
		rgba[s.channel] = float32(index) / float32(s.n-1)
	}

	s.index += s.step
	switch {
	case s.index >= s.n:
		s.index = max(s.n-1, 0)
		s.step = -1
	case s.index < 0:
		s.index = min(1, s.n-1)
		s.step = 1
		s.channel = (s.channel + 1) % 3
	}
	return uint32(index), rgba
}

// Channel returns the colour channel lit by the next frame.
func (s *Sequence) Channel() int { return s.channel }
