package logging

import (
	"strings"
	"testing"
)

func TestGenerateLogrotateConfig(t *testing.T) {
	manager := GenerateManagerLogrotate()
	if !strings.Contains(manager, "/var/log/ensembled/manager/*.log {") {
		t.Errorf("manager config missing log path stanza:\n%s", manager)
	}
	if !strings.Contains(manager, "systemctl reload ensembled-manager") {
		t.Errorf("manager config missing postrotate reload:\n%s", manager)
	}

	worker := GenerateWorkerLogrotate()
	if !strings.Contains(worker, "/var/log/ensembled/worker/*.log {") {
		t.Errorf("worker config missing log path stanza:\n%s", worker)
	}
	if !strings.Contains(worker, "rotate 14") {
		t.Errorf("worker config missing retention:\n%s", worker)
	}
}
