//go:build !unix

package encoder

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}
