/*
Copyright 2025 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package realtime

import (
	"encoding/json"
	"reflect"
	"slices"

	"github.com/gravitational/trace"
)

// Binary frame kinds. Pushes travel client to server, broadcasts server to
// client.
const (
	binaryPushKind      = 3
	binaryBroadcastKind = 4
)

// Payload encodings inside a binary frame.
const (
	payloadEncodingBytes = 0
	payloadEncodingJSON  = 1
)

// broadcastMetadataKeys is the allow-list of broadcast payload keys carried
// in the metadata section of a binary frame.
var broadcastMetadataKeys = []string{"id", "replay"}

// encodeMessage renders a frame for the socket. Broadcast pushes whose
// payload carries a string event use the binary framing, everything else
// the JSON tuple.
func encodeMessage(msg Message) (data []byte, binary bool, err error) {
	if wrapper, event, ok := binaryBroadcast(msg); ok {
		data, err := encodeBinaryPush(msg, wrapper, event)
		if err != nil {
			return nil, false, trace.Wrap(err)
		}
		return data, true, nil
	}
	data, err = encodeTuple(msg)
	if err != nil {
		return nil, false, trace.Wrap(err)
	}
	return data, false, nil
}

// decodeMessage parses one inbound frame.
func decodeMessage(data []byte, binary bool) (Message, error) {
	if binary {
		return decodeBinary(data)
	}
	return decodeTuple(data)
}

// binaryBroadcast reports whether msg selects the binary framing and, if
// so, returns its payload wrapper and inner event.
func binaryBroadcast(msg Message) (wrapper map[string]any, event string, ok bool) {
	if msg.Event != eventBroadcast {
		return nil, "", false
	}
	wrapper, ok = msg.Payload.(map[string]any)
	if !ok {
		return nil, "", false
	}
	event, ok = wrapper["event"].(string)
	if !ok {
		return nil, "", false
	}
	return wrapper, event, true
}

func encodeTuple(msg Message) ([]byte, error) {
	tuple := [5]any{
		nullableRef(msg.JoinRef),
		nullableRef(msg.Ref),
		msg.Topic,
		msg.Event,
		msg.Payload,
	}
	data, err := json.Marshal(tuple)
	if err != nil {
		return nil, trace.Wrap(err, "encoding message tuple")
	}
	return data, nil
}

func decodeTuple(data []byte) (Message, error) {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return Message{}, trace.Wrap(err, "decoding message tuple")
	}
	if len(tuple) != 5 {
		return Message{}, trace.BadParameter("message tuple has %d elements, expected 5", len(tuple))
	}

	var msg Message
	var joinRef, ref *string
	fields := []any{&joinRef, &ref, &msg.Topic, &msg.Event, &msg.Payload}
	for i, field := range fields {
		if err := json.Unmarshal(tuple[i], field); err != nil {
			return Message{}, trace.Wrap(err, "decoding message tuple")
		}
	}
	if joinRef != nil {
		msg.JoinRef = *joinRef
	}
	if ref != nil {
		msg.Ref = *ref
	}
	return msg, nil
}

func nullableRef(ref string) any {
	if ref == "" {
		return nil
	}
	return ref
}

func encodeBinaryPush(msg Message, wrapper map[string]any, event string) ([]byte, error) {
	encoding := byte(payloadEncodingJSON)
	payload, isBytes := byteSlice(wrapper["payload"])
	if isBytes {
		encoding = payloadEncodingBytes
	} else {
		var err error
		payload, err = json.Marshal(wrapper["payload"])
		if err != nil {
			return nil, trace.Wrap(err, "encoding broadcast payload")
		}
	}

	metadata := make(map[string]any)
	for _, key := range broadcastMetadataKeys {
		if value, ok := wrapper[key]; ok {
			metadata[key] = value
		}
	}
	var metadataJSON []byte
	if len(metadata) > 0 {
		var err error
		metadataJSON, err = json.Marshal(metadata)
		if err != nil {
			return nil, trace.Wrap(err, "encoding broadcast metadata")
		}
	}

	sections := []struct {
		name  string
		value []byte
	}{
		{"join ref", []byte(msg.JoinRef)},
		{"ref", []byte(msg.Ref)},
		{"topic", []byte(msg.Topic)},
		{"event", []byte(event)},
		{"metadata", metadataJSON},
	}
	size := 7
	for _, section := range sections {
		if len(section.value) > 255 {
			return nil, trace.BadParameter("broadcast %s exceeds 255 bytes", section.name)
		}
		size += len(section.value)
	}

	buf := make([]byte, 0, size+len(payload))
	buf = append(buf, binaryPushKind)
	for _, section := range sections {
		buf = append(buf, byte(len(section.value)))
	}
	buf = append(buf, encoding)
	for _, section := range sections {
		buf = append(buf, section.value...)
	}
	buf = append(buf, payload...)
	return buf, nil
}

func decodeBinary(data []byte) (Message, error) {
	if len(data) == 0 {
		return Message{}, trace.BadParameter("empty binary frame")
	}
	switch data[0] {
	case binaryPushKind:
		return decodeBinaryPush(data)
	case binaryBroadcastKind:
		return decodeBinaryBroadcast(data)
	default:
		return Message{}, trace.BadParameter("unsupported binary frame kind %d", data[0])
	}
}

func decodeBinaryPush(data []byte) (Message, error) {
	r := binaryReader{data: data, off: 1}
	joinRefLen, refLen, topicLen, eventLen, metadataLen, encoding, err := r.header6()
	if err != nil {
		return Message{}, trace.Wrap(err)
	}
	joinRef, err := r.bytes(joinRefLen)
	if err != nil {
		return Message{}, trace.Wrap(err)
	}
	ref, err := r.bytes(refLen)
	if err != nil {
		return Message{}, trace.Wrap(err)
	}
	body, err := r.broadcastBody(topicLen, eventLen, metadataLen, encoding)
	if err != nil {
		return Message{}, trace.Wrap(err)
	}
	body.JoinRef = string(joinRef)
	body.Ref = string(ref)
	return body, nil
}

func decodeBinaryBroadcast(data []byte) (Message, error) {
	r := binaryReader{data: data, off: 1}
	topicLen, eventLen, metadataLen, encoding, err := r.header4()
	if err != nil {
		return Message{}, trace.Wrap(err)
	}
	msg, err := r.broadcastBody(topicLen, eventLen, metadataLen, encoding)
	if err != nil {
		return Message{}, trace.Wrap(err)
	}
	return msg, nil
}

type binaryReader struct {
	data []byte
	off  int
}

func (r *binaryReader) u8() (int, error) {
	if r.off >= len(r.data) {
		return 0, trace.BadParameter("truncated binary frame")
	}
	b := r.data[r.off]
	r.off++
	return int(b), nil
}

func (r *binaryReader) bytes(n int) ([]byte, error) {
	if r.off+n > len(r.data) {
		return nil, trace.BadParameter("truncated binary frame")
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *binaryReader) rest() []byte {
	return r.data[r.off:]
}

func (r *binaryReader) header4() (topicLen, eventLen, metadataLen, encoding int, err error) {
	lens := make([]int, 4)
	for i := range lens {
		if lens[i], err = r.u8(); err != nil {
			return 0, 0, 0, 0, trace.Wrap(err)
		}
	}
	return lens[0], lens[1], lens[2], lens[3], nil
}

func (r *binaryReader) header6() (joinRefLen, refLen, topicLen, eventLen, metadataLen, encoding int, err error) {
	lens := make([]int, 6)
	for i := range lens {
		if lens[i], err = r.u8(); err != nil {
			return 0, 0, 0, 0, 0, 0, trace.Wrap(err)
		}
	}
	return lens[0], lens[1], lens[2], lens[3], lens[4], lens[5], nil
}

// broadcastBody reads the topic, event, metadata and payload sections
// shared by both binary kinds and rebuilds the broadcast message.
func (r *binaryReader) broadcastBody(topicLen, eventLen, metadataLen, encoding int) (Message, error) {
	topic, err := r.bytes(topicLen)
	if err != nil {
		return Message{}, trace.Wrap(err)
	}
	event, err := r.bytes(eventLen)
	if err != nil {
		return Message{}, trace.Wrap(err)
	}
	metadata, err := r.bytes(metadataLen)
	if err != nil {
		return Message{}, trace.Wrap(err)
	}
	payload, err := decodePayload(encoding, r.rest())
	if err != nil {
		return Message{}, trace.Wrap(err)
	}

	wrapper := map[string]any{
		"type":    "broadcast",
		"event":   string(event),
		"payload": payload,
	}
	if len(metadata) > 0 {
		meta := make(map[string]any)
		if err := json.Unmarshal(metadata, &meta); err != nil {
			return Message{}, trace.Wrap(err, "decoding broadcast metadata")
		}
		if len(meta) > 0 {
			wrapper["meta"] = meta
		}
	}
	return Message{
		Topic:   string(topic),
		Event:   eventBroadcast,
		Payload: wrapper,
	}, nil
}

func decodePayload(encoding int, payload []byte) (any, error) {
	switch encoding {
	case payloadEncodingBytes:
		return slices.Clone(payload), nil
	case payloadEncodingJSON:
		var value any
		if err := json.Unmarshal(payload, &value); err != nil {
			return nil, trace.Wrap(err, "decoding broadcast payload")
		}
		return value, nil
	default:
		return nil, trace.BadParameter("unsupported payload encoding %d", encoding)
	}
}

// byteSlice reports whether value is a byte slice, including named byte
// slice types.
func byteSlice(value any) ([]byte, bool) {
	if b, ok := value.([]byte); ok {
		return b, true
	}
	rv := reflect.ValueOf(value)
	if rv.IsValid() && rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
		return rv.Bytes(), true
	}
	return nil, false
}
