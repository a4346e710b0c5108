package opencode

import "testing"

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantKind EventKind
		wantErr  bool
		check    func(t *testing.T, evt Event)
	}{
		{
			name: "message updated",
			payload: `{"type":"message.updated","properties":{"info":{
				"id":"m1","sessionID":"s1","role":"assistant",
				"time":{"created":100,"completed":200}}}}`,
			wantKind: KindMessageMeta,
			check: func(t *testing.T, evt Event) {
				if evt.Message.ID != "m1" || evt.Message.Role != "assistant" {
					t.Errorf("meta = %+v", evt.Message)
				}
				if evt.Message.Time.Completed != 200 {
					t.Errorf("completed = %d", evt.Message.Time.Completed)
				}
			},
		},
		{
			name: "message updated with error",
			payload: `{"type":"message.updated","properties":{"info":{
				"id":"m1","sessionID":"s1","role":"assistant",
				"error":{"name":"APIError","data":{"message":"overloaded"}}}}}`,
			wantKind: KindMessageMeta,
			check: func(t *testing.T, evt Event) {
				if evt.Message.Error == nil || evt.Message.Error.Name != ErrNameAPI {
					t.Errorf("error = %+v", evt.Message.Error)
				}
				if evt.Message.Error.Data.Message != "overloaded" {
					t.Errorf("error message = %q", evt.Message.Error.Data.Message)
				}
			},
		},
		{
			name: "text part with delta",
			payload: `{"type":"message.part.updated","properties":{
				"part":{"id":"p1","sessionID":"s1","messageID":"m1","type":"text","text":"Hel"},
				"delta":"l"}}`,
			wantKind: KindPartDelta,
			check: func(t *testing.T, evt Event) {
				if evt.Part.Part.Type != PartText || evt.Part.Delta != "l" {
					t.Errorf("part delta = %+v", evt.Part)
				}
			},
		},
		{
			name: "tool part",
			payload: `{"type":"message.part.updated","properties":{
				"part":{"id":"p2","sessionID":"s1","messageID":"m1","type":"tool",
					"callID":"c1","tool":"bash",
					"state":{"status":"completed","output":"ok","time":{"start":1,"end":2}}}}}`,
			wantKind: KindPartDelta,
			check: func(t *testing.T, evt Event) {
				p := evt.Part.Part
				if p.CallID != "c1" || p.State == nil || p.State.Status != ToolCompleted {
					t.Errorf("tool part = %+v", p)
				}
				if p.State.Time == nil || p.State.Time.End != 2 {
					t.Errorf("tool time = %+v", p.State.Time)
				}
			},
		},
		{
			name:     "session error",
			payload:  `{"type":"session.error","properties":{"sessionID":"s1","error":{"name":"MessageAbortedError"}}}`,
			wantKind: KindSessionError,
			check: func(t *testing.T, evt Event) {
				if evt.SessionID != "s1" || evt.SessionErr == nil || evt.SessionErr.Name != ErrNameAborted {
					t.Errorf("session error = %q %+v", evt.SessionID, evt.SessionErr)
				}
			},
		},
		{
			name:     "session idle",
			payload:  `{"type":"session.idle","properties":{"sessionID":"s1"}}`,
			wantKind: KindSessionIdle,
			check: func(t *testing.T, evt Event) {
				if evt.SessionID != "s1" {
					t.Errorf("session id = %q", evt.SessionID)
				}
			},
		},
		{
			name:     "session deleted with info shape",
			payload:  `{"type":"session.deleted","properties":{"info":{"id":"s1"}}}`,
			wantKind: KindSessionDeleted,
			check: func(t *testing.T, evt Event) {
				if evt.SessionID != "s1" {
					t.Errorf("session id = %q", evt.SessionID)
				}
			},
		},
		{
			name:     "session deleted with flat shape",
			payload:  `{"type":"session.deleted","properties":{"sessionID":"s1"}}`,
			wantKind: KindSessionDeleted,
		},
		{
			name:     "unknown type is ignored",
			payload:  `{"type":"storage.write","properties":{"key":"x"}}`,
			wantKind: KindIgnored,
		},
		{
			name:     "empty type is ignored",
			payload:  `{"properties":{}}`,
			wantKind: KindIgnored,
		},
		{
			name:    "broken envelope",
			payload: `{"type":`,
			wantErr: true,
		},
		{
			name:    "recognized type with broken properties",
			payload: `{"type":"message.part.updated","properties":"not an object"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, err := DecodeEvent([]byte(tt.payload))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected decode error")
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeEvent: %v", err)
			}
			if evt.Kind != tt.wantKind {
				t.Fatalf("kind = %d, want %d", evt.Kind, tt.wantKind)
			}
			if tt.check != nil {
				tt.check(t, evt)
			}
		})
	}
}
