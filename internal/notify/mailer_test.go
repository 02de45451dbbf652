package notify

import (
	"context"
	"net/smtp"
	"strings"
	"testing"

	"fleetsync/internal/store"
)

func TestMailerIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{name: "empty config", config: Config{}, expected: false},
		{name: "missing host", config: Config{Port: "587", From: "fleet@example.com", AlertTo: []string{"shop@example.com"}}, expected: false},
		{name: "missing recipients", config: Config{Host: "smtp.example.com", Port: "587", From: "fleet@example.com"}, expected: false},
		{name: "fully configured", config: Config{Host: "smtp.example.com", Port: "587", From: "fleet@example.com", AlertTo: []string{"shop@example.com"}}, expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewMailer(tt.config).IsConfigured(); got != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestNotifyDefectsSendsMultipartAlert(t *testing.T) {
	m := NewMailer(Config{Host: "smtp.example.com", Port: "587", From: "fleet@example.com", FromName: "Fleet", AlertTo: []string{"shop@example.com"}})
	var sentTo []string
	var sent string
	m.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		if addr != "smtp.example.com:587" || from != "fleet@example.com" {
			t.Errorf("unexpected envelope %s %s", addr, from)
		}
		sentTo, sent = to, string(msg)
		return nil
	}

	inspection := store.Inspection{
		ID:            "insp_1",
		VehicleID:     "veh_7",
		InspectorName: "Dana & Co",
		Odometer:      120400,
		DefectCount:   1,
		Items: []store.InspectionItem{
			{Code: "lights", Status: "ok"},
			{Code: "tyres", Status: "defect", Note: "front left worn"},
		},
	}
	if err := m.NotifyDefects(context.Background(), inspection); err != nil {
		t.Fatalf("NotifyDefects() error = %v", err)
	}
	if len(sentTo) != 1 || sentTo[0] != "shop@example.com" {
		t.Fatalf("unexpected recipients %v", sentTo)
	}
	for _, want := range []string{"Subject: Vehicle veh_7: 1 defect(s) reported", "From: Fleet <fleet@example.com>", "multipart/alternative", "tyres: front left worn", "by Dana & Co at 120400 km", "Dana &amp; Co reported"} {
		if !strings.Contains(sent, want) {
			t.Errorf("message missing %q", want)
		}
	}
	if strings.Contains(sent, "lights") {
		t.Error("items without defects must not be listed")
	}
}

func TestNotifyDefectsIgnoresCleanInspection(t *testing.T) {
	m := NewMailer(Config{})
	m.send = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("no mail expected")
		return nil
	}
	if err := m.NotifyDefects(context.Background(), store.Inspection{VehicleID: "veh_1"}); err != nil {
		t.Fatalf("NotifyDefects() error = %v", err)
	}
}
