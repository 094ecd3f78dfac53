package notify

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestNewMailerValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     MailerConfig
		wantErr bool
	}{
		{"complete", MailerConfig{Host: "smtp.example.com", From: "ops@example.com", To: []string{"a@example.com"}}, false},
		{"no host", MailerConfig{From: "ops@example.com", To: []string{"a@example.com"}}, true},
		{"no recipients", MailerConfig{Host: "smtp.example.com", From: "ops@example.com"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMailer(tt.cfg, nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewMailer() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMailerMessage(t *testing.T) {
	m, err := NewMailer(MailerConfig{
		Host: "smtp.example.com",
		From: "ops@example.com",
		To:   []string{"finance@example.com", "coach-lead@example.com"},
	}, nil)
	if err != nil {
		t.Fatalf("NewMailer failed: %v", err)
	}

	var buf bytes.Buffer
	if _, err := m.message(Alert{Subject: "process-charges: 2 failed", Body: "charge c1 declined"}).WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo failed: %v", err)
	}
	raw := buf.String()

	for _, want := range []string{"Subject: [coachledger] process-charges: 2 failed", "finance@example.com", "charge c1 declined"} {
		if !strings.Contains(raw, want) {
			t.Errorf("message missing %q:\n%s", want, raw)
		}
	}
}

func TestRecorder(t *testing.T) {
	var r Recorder
	var n Notifier = &r
	n.Notify(context.Background(), Alert{Subject: "one"})
	Nop{}.Notify(context.Background(), Alert{Subject: "dropped"})

	if got := r.Alerts(); len(got) != 1 || got[0].Subject != "one" {
		t.Errorf("Alerts() = %+v", got)
	}
}
