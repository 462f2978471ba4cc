package logging

import "fmt"

// GenerateLogrotateConfig creates a logrotate configuration for a component
func GenerateLogrotateConfig(component string) string {
	return fmt.Sprintf(`# Logrotate configuration for ensembled %s
# Install: sudo cp this file to /etc/logrotate.d/ensembled-%s

/var/log/ensembled/%s/*.log {
    # Rotate daily
    daily

    # Keep 14 days of logs
    rotate 14

    # Compress old logs
    compress
    delaycompress

    # Don't error if log is missing
    missingok

    # Don't rotate empty logs
    notifempty

    # Create new log with these permissions
    create 0644 ensembled ensembled

    # Run postrotate script only once for all logs
    sharedscripts

    # Reload service after rotation
    postrotate
        systemctl reload ensembled-%s 2>/dev/null || true
    endscript
}
`, component, component, component, component)
}

// GenerateManagerLogrotate generates logrotate config for the manager
func GenerateManagerLogrotate() string {
	return GenerateLogrotateConfig("manager")
}

// GenerateWorkerLogrotate generates logrotate config for workers
func GenerateWorkerLogrotate() string {
	return GenerateLogrotateConfig("worker")
}
