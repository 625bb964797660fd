package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNewMessage(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		data    any
		wantErr bool
	}{
		{
			name:    "status message",
			msgType: TypeStatus,
			data:    map[string]string{"state": "patrolling"},
		},
		{
			name:    "command message",
			msgType: TypeCommand,
			data:    CommandEvent{Name: "MOVE_TO_A", Source: "dashboard"},
		},
		{
			name:    "nil data",
			msgType: TypeIncident,
			data:    nil,
		},
		{
			name:    "unmarshalable data",
			msgType: TypeStats,
			data:    make(chan int),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := NewMessage(tt.msgType, tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if msg.Type != tt.msgType {
				t.Errorf("NewMessage() type = %v, want %v", msg.Type, tt.msgType)
			}
			if msg.Timestamp == 0 {
				t.Error("NewMessage() timestamp should be set")
			}
		})
	}
}

func TestMessageParseData(t *testing.T) {
	msg, err := NewMessage(TypeIncident, IncidentEvent{ID: "abc", Label: "gun", Event: "opened"})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := msg.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParseMessage(raw)
	if err != nil {
		t.Fatal(err)
	}
	var ev IncidentEvent
	if err := parsed.ParseData(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Label != "gun" || ev.Event != "opened" {
		t.Errorf("ParseData() got %+v", ev)
	}
}

func TestParseRobotPacket(t *testing.T) {
	tests := []struct {
		name    string
		pkt     []byte
		want    Frame
		wantErr error
	}{
		{
			name: "with trailing newline",
			pkt:  []byte(`{"frame_id":7,"timestamp":"2024-05-01T10:00:00"}|JPEGDATA` + "\n"),
			want: Frame{ID: 7, Timestamp: "2024-05-01T10:00:00", Image: []byte("JPEGDATA")},
		},
		{
			name: "without newline",
			pkt:  []byte(`{"frame_id":8,"timestamp":"t"}|` + "\xff\xd8|\xff\xd9"),
			want: Frame{ID: 8, Timestamp: "t", Image: []byte("\xff\xd8|\xff\xd9")},
		},
		{
			name:    "no delimiter",
			pkt:     []byte(`{"frame_id":1}`),
			wantErr: ErrNoDelimiter,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRobotPacket(tt.pkt)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseRobotPacket() mismatch (-want +got):\n%s", diff)
			}
		})
	}

	if _, err := ParseRobotPacket([]byte(`not json|x`)); err == nil {
		t.Error("expected header decode error")
	}
	if _, err := ParseRobotPacket([]byte(`{"frame_id":1}|`)); err == nil {
		t.Error("expected empty image error")
	}
}

func TestEncodeRobotPacket(t *testing.T) {
	f := Frame{ID: 42, Timestamp: "ts", Image: []byte{0xff, 0xd8, 0x00}}
	pkt, err := EncodeRobotPacket(f)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ParseRobotPacket(pkt)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(f, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestDetectionReader(t *testing.T) {
	var buf bytes.Buffer
	first := DetectionResult{
		FrameID:   1,
		Timestamp: "t1",
		Detections: []Detection{
			{Label: "gun", Confidence: 0.91, Box: Box{10, 20, 110, 220}},
		},
	}
	second := DetectionResult{FrameID: 2, Timestamp: "t2", Detections: []Detection{}}

	if err := WriteDetectionFrame(&buf, first); err != nil {
		t.Fatal(err)
	}
	if err := WriteDetectionFrame(&buf, second); err != nil {
		t.Fatal(err)
	}

	r := NewDetectionReader(&buf)
	got, err := r.Read()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(first, got); diff != "" {
		t.Errorf("first frame mismatch (-want +got):\n%s", diff)
	}
	got, err = r.Read()
	if err != nil {
		t.Fatal(err)
	}
	if got.FrameID != 2 {
		t.Errorf("second frame id = %d, want 2", got.FrameID)
	}
	if _, err := r.Read(); err != io.EOF {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestDetectionReader_BadPayloadKeepsAlignment(t *testing.T) {
	var buf bytes.Buffer
	bad := []byte(`{"frame_id":`)
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(bad)))
	buf.Write(hdr[:])
	buf.Write(bad)
	WriteDetectionFrame(&buf, DetectionResult{FrameID: 9})

	r := NewDetectionReader(&buf)
	_, err := r.Read()
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	got, err := r.Read()
	if err != nil {
		t.Fatal(err)
	}
	if got.FrameID != 9 {
		t.Errorf("FrameID = %d, want 9", got.FrameID)
	}
}

func TestDetectionReader_TooLarge(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxDetectionFrame+1)
	r := NewDetectionReader(bytes.NewReader(hdr[:]))
	if _, err := r.Read(); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("err = %v, want ErrFrameTooLarge", err)
	}
}

func TestDetectionResultValidate(t *testing.T) {
	res := DetectionResult{Detections: []Detection{{Label: "", Confidence: 0.5}}}
	if err := res.Validate(); err == nil {
		t.Error("empty label should be rejected")
	}
	res = DetectionResult{Detections: []Detection{{Label: "gun", Confidence: 1.5}}}
	if err := res.Validate(); err == nil {
		t.Error("confidence above 1 should be rejected")
	}
}

func TestConsoleFrame(t *testing.T) {
	h := ConsoleHeader{
		FrameID:     3,
		Timestamp:   "ts",
		Detections:  []Detection{{Label: "a|b", Confidence: 0.5, Case: "danger"}},
		RobotStatus: "alert",
		Location:    "A",
	}
	jpeg := []byte{0xff, 0xd8, '|', 0xff, 0xd9}

	frame, err := EncodeConsoleFrame(h, jpeg)
	if err != nil {
		t.Fatal(err)
	}
	if n := binary.BigEndian.Uint32(frame[:4]); int(n) != len(frame)-4 {
		t.Errorf("length prefix = %d, want %d", n, len(frame)-4)
	}

	gotH, gotImg, err := ReadConsoleFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(h, gotH); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}
	if !bytes.Equal(jpeg, gotImg) {
		t.Errorf("image = %x, want %x", gotImg, jpeg)
	}
}

func TestConsoleFrame_EmptyDetectionsEncodeAsArray(t *testing.T) {
	frame, err := EncodeConsoleFrame(ConsoleHeader{FrameID: 1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(frame, []byte(`"detections":[]`)) {
		t.Errorf("frame should carry an empty detections array: %s", frame[4:])
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in       []byte
		wantName string
		wantKind Kind
		wantErr  bool
	}{
		{in: []byte("CMD\x09"), wantName: "MOVE_TO_A", wantKind: KindMoveTo},
		{in: []byte("CMD\x0b"), wantName: "RETURN_TO_BASE", wantKind: KindMoveTo},
		{in: []byte("CMD\x02"), wantName: "IGNORE", wantKind: KindIgnore},
		{in: []byte("CMD\x08"), wantName: "CASE_CLOSED", wantKind: KindCaseClosed},
		{in: []byte("CMD\x06"), wantName: "DANGER_WARNING", wantKind: KindPassthrough},
		{in: []byte("CMD\x0c"), wantName: "GET_LOGS", wantKind: KindPassthrough},
		{in: []byte("CMD\x00"), wantName: "UNKNOWN_0x00", wantKind: KindPassthrough},
		{in: []byte("CMD\x0d"), wantName: "UNKNOWN_0x0D", wantKind: KindPassthrough},
		{in: []byte("XYZ\x01"), wantErr: true},
		{in: []byte("CMD"), wantErr: true},
		{in: []byte("CMD\x01\x01"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
			c, err := ParseCommand(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrBadCommand) {
					t.Errorf("err = %v, want ErrBadCommand", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if c.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", c.Name(), tt.wantName)
			}
			if c.Kind() != tt.wantKind {
				t.Errorf("Kind() = %v, want %v", c.Kind(), tt.wantKind)
			}
			if !bytes.Equal(c.Bytes(), tt.in) {
				t.Errorf("Bytes() = %q, want %q", c.Bytes(), tt.in)
			}
		})
	}
}

func TestCommand_Known(t *testing.T) {
	if !(Command{Op: OpGetLogs}).Known() {
		t.Error("GET_LOGS should be known")
	}
	if (Command{Op: 0x0d}).Known() {
		t.Error("0x0d should not be known")
	}
}

func TestParseCommandName(t *testing.T) {
	for _, name := range Names() {
		c, err := ParseCommandName(name)
		if err != nil {
			t.Fatalf("ParseCommandName(%q): %v", name, err)
		}
		if c.Name() != name {
			t.Errorf("round trip %q -> %q", name, c.Name())
		}
	}

	c, err := ParseCommandName("move-to-b")
	if err != nil || c.Op != OpMoveToB {
		t.Errorf("ParseCommandName(move-to-b) = %v, %v", c, err)
	}
	if _, err := ParseCommandName("self_destruct"); !errors.Is(err, ErrBadCommand) {
		t.Errorf("err = %v, want ErrBadCommand", err)
	}
}

func TestCommandTarget(t *testing.T) {
	want := map[Opcode]Target{
		OpMoveToA:      TargetA,
		OpMoveToB:      TargetB,
		OpReturnToBase: TargetBase,
	}
	for op, tgt := range want {
		got, ok := Command{Op: op}.Target()
		if !ok || got != tgt {
			t.Errorf("Target(%v) = %q, %v", op, got, ok)
		}
	}
	if _, ok := (Command{Op: OpIgnore}).Target(); ok {
		t.Error("IGNORE has no target")
	}
}

func TestReadCommand(t *testing.T) {
	r := bytes.NewReader([]byte("CMD\x09CMD\x02"))
	a, err := ReadCommand(r)
	if err != nil || a.Op != OpMoveToA {
		t.Fatalf("first = %v, %v", a, err)
	}
	b, err := ReadCommand(r)
	if err != nil || b.Op != OpIgnore {
		t.Fatalf("second = %v, %v", b, err)
	}
	if _, err := ReadCommand(r); err != io.EOF {
		t.Errorf("expected EOF, got %v", err)
	}
}
