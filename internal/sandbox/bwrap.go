package sandbox

// bwrapArgs builds the bubblewrap jail. The sandbox sees read-only OS dirs,
// a fresh proc, its own /tmp, and — after the data dir is masked with a
// tmpfs — only its own sandbox directory bound back at the same path. Other
// sandboxes, agents, and session snapshots stay invisible. Process and
// network namespaces are unshared; die-with-parent ties the jail to the
// control plane.
func bwrapArgs(dataDir, sandboxDir, workspaceDir string) []string {
	return []string{
		"--ro-bind", "/usr", "/usr",
		"--ro-bind-try", "/bin", "/bin",
		"--ro-bind-try", "/lib", "/lib",
		"--ro-bind-try", "/lib64", "/lib64",
		"--ro-bind-try", "/etc/ssl", "/etc/ssl",
		"--ro-bind-try", "/etc/resolv.conf", "/etc/resolv.conf",
		"--proc", "/proc",
		"--dev", "/dev",
		"--tmpfs", "/tmp",
		"--tmpfs", dataDir,
		"--bind", sandboxDir, sandboxDir,
		"--unshare-pid",
		"--unshare-net",
		"--die-with-parent",
		"--chdir", workspaceDir,
	}
}
