package arena

import "github.com/roach88/rewind/internal/sim"

// Bot returns a PollInput function that wanders deterministically.
//
// The bot holds a direction for hold frames, then picks the next one from
// an LCG seeded with seed. Two bots with the same arguments produce the
// same input sequence.
func Bot(seed int64, hold int) func() sim.Input {
	if hold < 1 {
		hold = 1
	}
	state := seed
	frame := 0
	current := Input{}
	return func() sim.Input {
		if frame%hold == 0 {
			state = (state*6364136223846793005 + 1442695040888963407) & 0x7fffffffffffffff
			current = Input{
				DX: int((state>>33)%3) - 1,
				DY: int((state>>40)%3) - 1,
			}
		}
		frame++
		return current
	}
}

// Script returns a PollInput function that plays inputs in order and then
// holds the last one. An empty script idles.
func Script(inputs ...Input) func() sim.Input {
	i := 0
	return func() sim.Input {
		if len(inputs) == 0 {
			return Input{}
		}
		v := inputs[len(inputs)-1]
		if i < len(inputs) {
			v = inputs[i]
		}
		i++
		return v
	}
}
