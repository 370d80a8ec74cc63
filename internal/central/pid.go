package central

import "os"

// processPID returns the current process id, used as the InstanceRegistry
// key for this server.
func processPID() int { return os.Getpid() }
