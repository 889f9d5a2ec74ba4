package executor

// defaultEnv is the deterministic WASI environment every execution starts
// from, matching original_source/worker/src/executor/wasi_env.rs's
// default_env_vars: stable timezone/locale/path so two runs of the same
// module on the same input produce the same output.
func defaultEnv() map[string]string {
	return map[string]string{
		"TZ":     "UTC",
		"LANG":   "C",
		"LC_ALL": "C",
		"PATH":   "/usr/local/bin:/usr/bin:/bin",
		"HOME":   "/home/wasm",
		"USER":   "wasm",
		"SHELL":  "/bin/sh",
		"TERM":   "dumb",
	}
}

// resolveEnv picks the environment an execution runs under: explicit
// custom vars (secrets the keystore decrypted) replace the deterministic
// defaults entirely rather than layering over them, matching
// wasi_p1::execute's if/else on env_vars being present.
func resolveEnv(custom map[string]string) map[string]string {
	if len(custom) == 0 {
		return defaultEnv()
	}
	return custom
}
