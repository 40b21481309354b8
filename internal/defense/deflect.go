package defense

// Deflections returned when an injection attempt is caught. Indexed by turn
// number, not drawn at random: the same attack at the same turn always gets
// the same reply, which keeps the behavior testable.
var deflections = []string{
	"Sorry, I don't quite follow. What did you need me to do again?",
	"My grandson usually helps me with this kind of thing. Can you say it more simply?",
	"I think my screen froze for a second. Where were we?",
	"That last message looked a bit garbled on my end. Could you repeat it?",
	"I'm not sure what you mean by that. Can we go back to the payment part?",
	"Hold on, the phone keeps autocorrecting things. What was the next step?",
}

// Deflection returns the deterministic safe reply for the given turn number.
func Deflection(turn int) string {
	if turn < 0 {
		turn = -turn
	}
	return deflections[turn%len(deflections)]
}
