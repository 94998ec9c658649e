package protocol_test

import (
	"testing"

	"corebus/pkg/protocol"
)

func TestTaskDescriptionMatches(t *testing.T) {
	t.Parallel()

	desc := protocol.TaskDescription{
		Name:   protocol.TaskValidateConfig,
		Filter: map[string][]string{"config_id": {"A", "C"}},
	}

	tests := []struct {
		name     string
		desc     protocol.TaskDescription
		task     string
		attrs    map[string]string
		expected bool
	}{
		{"accepted value", desc, protocol.TaskValidateConfig, map[string]string{"config_id": "A"}, true},
		{"second accepted value", desc, protocol.TaskValidateConfig, map[string]string{"config_id": "C"}, true},
		{"rejected value", desc, protocol.TaskValidateConfig, map[string]string{"config_id": "B"}, false},
		{"missing filtered key", desc, protocol.TaskValidateConfig, map[string]string{"region": "eu"}, false},
		{"extra attribute is a wildcard", desc, protocol.TaskValidateConfig, map[string]string{"config_id": "A", "region": "eu"}, true},
		{"other task name", desc, protocol.TaskCollect, map[string]string{"config_id": "A"}, false},
		{"empty filter accepts all", protocol.TaskDescription{Name: protocol.TaskTag}, protocol.TaskTag, nil, true},
		{"empty filter still checks name", protocol.TaskDescription{Name: protocol.TaskTag}, protocol.TaskCollect, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.desc.Matches(tt.task, tt.attrs); got != tt.expected {
				t.Errorf("Matches(%q, %v) = %v, want %v", tt.task, tt.attrs, got, tt.expected)
			}
		})
	}
}

func TestReservedKind(t *testing.T) {
	t.Parallel()

	for _, kind := range []string{
		protocol.EventTaskDone,
		protocol.EventTaskRetry,
		protocol.EventWorkerAttached,
		protocol.EventAny,
	} {
		if !protocol.ReservedKind(kind) {
			t.Errorf("ReservedKind(%q) = false, want true", kind)
		}
	}
	for _, kind := range []string{protocol.EventConfigChanged, "deploy_started", ""} {
		if protocol.ReservedKind(kind) {
			t.Errorf("ReservedKind(%q) = true, want false", kind)
		}
	}
}
