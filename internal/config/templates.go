package config

import (
	"fmt"
	"os"
)

// Template is a commented starting config with every key at its default.
const Template = `# adb server endpoint
host = "127.0.0.1"
port = 5037

# device serial used when --serial is not given
serial = ""

connect_timeout = "5s"
fail_message_timeout = "250ms"

# trace|debug|info|warn|error|disabled
log_level = "info"

# serve prometheus metrics here when set, e.g. "127.0.0.1:9095"
metrics_addr = ""

# track-devices reconnect backoff
backoff_initial = "250ms"
backoff_max = "5s"
`

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(Template), 0o600)
}
