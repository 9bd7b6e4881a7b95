// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package sse implements the framing of server-sent event streams.
//
// Frames written by this package have the fixed form
//
//	event: message
//	data: <payload>
//
// followed by a blank line, with one frame per event. No id field is written
// and reconnection ids are not supported. Streams are parsed on the client
// side by github.com/tmaxmax/go-sse.
package sse

import (
	"bytes"
	"errors"
	"io"
)

// ContentType is the media type of an event stream.
const ContentType = "text/event-stream"

// EventName is the event type written by [WriteEvent].
const EventName = "message"

// Frame returns the encoding of a single event carrying data.
// The data must not contain line breaks; JSON text produced by encoding/json
// satisfies this.
func Frame(data []byte) []byte {
	buf := make([]byte, 0, len(data)+len("event: \ndata: \n\n")+len(EventName))
	buf = append(buf, "event: "...)
	buf = append(buf, EventName...)
	buf = append(buf, "\ndata: "...)
	buf = append(buf, data...)
	return append(buf, "\n\n"...)
}

// ErrLineBreak is reported by [WriteEvent] for data containing a line break.
var ErrLineBreak = errors.New("sse: event data contains a line break")

// WriteEvent writes a single event frame carrying data to w.
func WriteEvent(w io.Writer, data []byte) error {
	if bytes.ContainsAny(data, "\r\n") {
		return ErrLineBreak
	}
	_, err := w.Write(Frame(data))
	return err
}
