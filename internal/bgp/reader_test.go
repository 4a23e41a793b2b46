package bgp

import (
	"errors"
	"testing"
)

func TestReader_ByteAtATime(t *testing.T) {
	ka := buildHeader(19, 4)
	upd := buildBGPUpdate(nil, nil, nil)
	stream := append(append([]byte{}, ka...), upd...)

	r := NewReader()
	var frames []Frame
	for _, b := range stream {
		if _, err := r.Write([]byte{b}); err != nil {
			t.Fatalf("write: %v", err)
		}
		for {
			f, err := r.Next()
			if errors.Is(err, ErrNeedMore) {
				break
			}
			if err != nil {
				t.Fatalf("next: %v", err)
			}
			frames = append(frames, f)
		}
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if frames[0].Header.Type != MsgKeepalive || frames[1].Header.Type != MsgUpdate {
		t.Errorf("unexpected frame types %s, %s", frames[0].Header.Type, frames[1].Header.Type)
	}
	if len(frames[1].Body()) != 4 {
		t.Errorf("expected 4-byte UPDATE body, got %d", len(frames[1].Body()))
	}
	if r.Buffered() != 0 {
		t.Errorf("expected empty buffer, got %d bytes", r.Buffered())
	}
}

func TestReader_KeepsPartialFrame(t *testing.T) {
	upd := buildBGPUpdate(nil, mandatoryAttrs(), []byte{8, 10})
	r := NewReader()
	r.Write(upd[:len(upd)-1])

	if _, err := r.Next(); !errors.Is(err, ErrNeedMore) {
		t.Fatalf("expected ErrNeedMore, got %v", err)
	}
	if r.Buffered() != len(upd)-1 {
		t.Errorf("expected %d buffered bytes, got %d", len(upd)-1, r.Buffered())
	}
	r.Write(upd[len(upd)-1:])
	f, err := r.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if len(f.Raw) != len(upd) {
		t.Errorf("expected frame of %d bytes, got %d", len(upd), len(f.Raw))
	}
}

func TestReader_FrameErrorIsSticky(t *testing.T) {
	r := NewReader()
	r.Write(buildHeader(19, 4))
	bad := buildHeader(10, 4) // length below minimum
	r.Write(bad)

	if _, err := r.Next(); err != nil {
		t.Fatalf("first frame: %v", err)
	}
	_, err := r.Next()
	var fe *FrameError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FrameError, got %v", err)
	}
	if fe.Offset != 19 {
		t.Errorf("expected offset 19, got %d", fe.Offset)
	}
	if !errors.Is(err, ErrLength) {
		t.Errorf("expected wrapped ErrLength, got %v", err)
	}

	// Further input is refused until Reset.
	if _, err := r.Write(buildHeader(19, 4)); !errors.As(err, &fe) {
		t.Errorf("expected write to fail with FrameError, got %v", err)
	}
	if _, err := r.Next(); !errors.As(err, &fe) {
		t.Errorf("expected sticky FrameError, got %v", err)
	}

	r.Reset()
	r.Write(buildHeader(19, 4))
	if _, err := r.Next(); err != nil {
		t.Errorf("after reset: %v", err)
	}
}

func TestReader_MaxLength(t *testing.T) {
	r := NewReader()
	big := buildBGPUpdate(nil, nil, make([]byte, 5000))
	r.Write(big[:HeaderLen])
	if _, err := r.Next(); !errors.Is(err, ErrLength) {
		t.Fatalf("expected ErrLength before Extended Message, got %v", err)
	}

	r.Reset()
	r.SetMaxLength(MaxExtendedLen)
	if r.MaxLength() != MaxExtendedLen {
		t.Fatalf("expected max %d, got %d", MaxExtendedLen, r.MaxLength())
	}
	r.Write(big[:HeaderLen])
	if _, err := r.Next(); !errors.Is(err, ErrNeedMore) {
		t.Errorf("expected ErrNeedMore with extended max, got %v", err)
	}
}
