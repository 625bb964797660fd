package protocol

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrBadCommand is returned for bytes that are not an operator command frame
// and for unknown command names.
var ErrBadCommand = errors.New("invalid operator command")

// commandPrefix starts every operator command on the wire.
const commandPrefix = "CMD"

// CommandSize is the wire size of one command: prefix plus opcode.
const CommandSize = len(commandPrefix) + 1

// Opcode is the single byte following the "CMD" prefix.
type Opcode byte

const (
	OpProceed          Opcode = 0x01
	OpIgnore           Opcode = 0x02
	OpFireReport       Opcode = 0x03
	OpPoliceReport     Opcode = 0x04
	OpIllegalWarning   Opcode = 0x05
	OpDangerWarning    Opcode = 0x06
	OpEmergencyWarning Opcode = 0x07
	OpCaseClosed       Opcode = 0x08
	OpMoveToA          Opcode = 0x09
	OpMoveToB          Opcode = 0x0A
	OpReturnToBase     Opcode = 0x0B
	OpGetLogs          Opcode = 0x0C
)

var opcodeNames = map[Opcode]string{
	OpProceed:          "PROCEED",
	OpIgnore:           "IGNORE",
	OpFireReport:       "FIRE_REPORT",
	OpPoliceReport:     "POLICE_REPORT",
	OpIllegalWarning:   "ILLEGAL_WARNING",
	OpDangerWarning:    "DANGER_WARNING",
	OpEmergencyWarning: "EMERGENCY_WARNING",
	OpCaseClosed:       "CASE_CLOSED",
	OpMoveToA:          "MOVE_TO_A",
	OpMoveToB:          "MOVE_TO_B",
	OpReturnToBase:     "RETURN_TO_BASE",
	OpGetLogs:          "GET_LOGS",
}

// Kind classifies a command by how the server handles it.
type Kind int

const (
	// KindPassthrough commands are forwarded verbatim to the robot.
	KindPassthrough Kind = iota
	KindMoveTo
	KindIgnore
	KindCaseClosed
)

func (k Kind) String() string {
	switch k {
	case KindMoveTo:
		return "move_to"
	case KindIgnore:
		return "ignore"
	case KindCaseClosed:
		return "case_closed"
	default:
		return "passthrough"
	}
}

// Target is a navigation destination.
type Target string

const (
	TargetA    Target = "A"
	TargetB    Target = "B"
	TargetBase Target = "BASE"
)

// Command is a validated operator command.
type Command struct {
	Op Opcode
}

// ParseCommand validates a "CMD"+opcode frame. Extra trailing bytes are
// rejected. Opcodes outside the table parse as passthrough commands so the
// robot can receive commands this server does not know.
func ParseCommand(b []byte) (Command, error) {
	if len(b) != CommandSize || string(b[:len(commandPrefix)]) != commandPrefix {
		return Command{}, fmt.Errorf("%w: %q", ErrBadCommand, b)
	}
	return Command{Op: Opcode(b[len(commandPrefix)])}, nil
}

// ParseCommandName looks a command up by its name, case-insensitively.
// Both "MOVE_TO_A" and "move-to-a" are accepted.
func ParseCommandName(name string) (Command, error) {
	n := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), "-", "_"))
	for op, s := range opcodeNames {
		if s == n {
			return Command{Op: op}, nil
		}
	}
	return Command{}, fmt.Errorf("%w: unknown name %q", ErrBadCommand, name)
}

// ReadCommand reads one command frame from r.
func ReadCommand(r io.Reader) (Command, error) {
	var buf [CommandSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Command{}, err
	}
	return ParseCommand(buf[:])
}

// Name returns the canonical command name, e.g. "MOVE_TO_A".
func (c Command) Name() string {
	if s, ok := opcodeNames[c.Op]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN_0x%02X", byte(c.Op))
}

func (c Command) String() string { return c.Name() }

// Known reports whether c's opcode is in the command table.
func (c Command) Known() bool {
	_, ok := opcodeNames[c.Op]
	return ok
}

// Bytes returns the wire form of c.
func (c Command) Bytes() []byte {
	return append([]byte(commandPrefix), byte(c.Op))
}

// Kind classifies c.
func (c Command) Kind() Kind {
	switch c.Op {
	case OpMoveToA, OpMoveToB, OpReturnToBase:
		return KindMoveTo
	case OpIgnore:
		return KindIgnore
	case OpCaseClosed:
		return KindCaseClosed
	default:
		return KindPassthrough
	}
}

// Target returns the destination of a move command.
func (c Command) Target() (Target, bool) {
	switch c.Op {
	case OpMoveToA:
		return TargetA, true
	case OpMoveToB:
		return TargetB, true
	case OpReturnToBase:
		return TargetBase, true
	default:
		return "", false
	}
}

// Names returns every command name in opcode order.
func Names() []string {
	out := make([]string, 0, len(opcodeNames))
	for op := OpProceed; op <= OpGetLogs; op++ {
		out = append(out, opcodeNames[op])
	}
	return out
}
