package patterns

// Default keyword sets. Configuration may replace any of them; entries
// are matched case-insensitively but the original casing is retained
// for reporting.
var (
	defaultSensitiveData = []string{
		"password",
		"passwd",
		"api_key",
		"apikey",
		"api key",
		"secret",
		"token",
		"credential",
		"credentials",
		"private key",
		"ssn",
		"social security",
		"credit card",
		"credit_card",
		"card number",
		"bank account",
	}

	defaultDangerousCommands = []string{
		// SQL-like verbs: matched with context-sensitive rules, see
		// the scanner package.
		"drop",
		"delete",
		"truncate",
		"alter",
		"create",
		"insert",
		"update",
		"select",
		"exec",
		"shutdown",
		"format",
		"eval",
		// Plain substring matches.
		"rm -rf",
		"rm -fr",
		"sudo rm",
		"chmod 777",
		"mkfifo",
		"nc -e",
		"/etc/passwd",
		"/etc/shadow",
		"dd if=",
	}

	defaultPromptManipulation = []string{
		"ignore previous",
		"ignore above",
		"ignore instructions",
		"disregard previous",
		"disregard instructions",
		"forget your instructions",
		"new instructions",
		"system prompt",
		"jailbreak",
		"bypass",
		"hack",
		"exploit",
		"you are now",
		"pretend to be",
		"do anything now",
	}
)

// namedPattern couples a compiled regex with the family and rule names
// used in match reports.
type namedPattern struct {
	name    string
	pattern string
}

// Regex families. Family names are stable identifiers shared by the
// scanner, the interception layer, and the RCE correlator.
const (
	FamilySuspiciousShell      = "suspicious_shell"
	FamilyShellAccessNetwork   = "shell_access_network"
	FamilyMCPShellTransition   = "mcp_shell_transition"
	FamilyContextSwitching     = "context_switching"
	FamilyDangerousHTTP        = "dangerous_http"
	FamilySuspiciousSQL        = "suspicious_sql"
	FamilySQLInjection         = "sql_injection"
	FamilyMCPCommandExtraction = "mcp_command_extraction"
	FamilyPrivilegeEscalation  = "privilege_escalation_commands"
	FamilySuspiciousDirs       = "suspicious_directories"
)

var defaultFamilies = map[string][]namedPattern{
	FamilySuspiciousShell: {
		{"shell_binary", `(?i)(?:^|[\s/])(?:ba|z|da|k)?sh(?:\.exe)?\s+-i\b`},
		{"shell_dash_c", `(?i)(?:/bin/(?:ba|z|da)?sh|cmd\.exe|powershell(?:\.exe)?)\s+(?:-c|/c)\b`},
		{"pipe_to_shell", `(?i)\|\s*(?:ba)?sh\b`},
		{"base64_decode_exec", `(?i)base64\s+(?:-d|--decode)\b`},
		{"reverse_shell_fd", `(?i)(?:ba)?sh\s+-i\s+>&\s*/dev/tcp/`},
	},
	FamilyShellAccessNetwork: {
		{"id_output", `uid=\d+.*gid=\d+`},
		{"shell_prompt_echo", `(?m)(?:^|\n)[\w.@-]*[$#]\s*$`},
		{"pty_spawn", `(?i)pty\.spawn\s*\(`},
		{"python_pty", `(?i)python[23]?\s+-c\s+['"]import\s+pty`},
		{"dev_tcp", `/dev/tcp/\d{1,3}(?:\.\d{1,3}){3}`},
		{"stty_upgrade", `(?i)stty\s+raw\s+-echo`},
		{"interactive_shell", `(?i)interactive\s+shell\s+(?:spawned|started|opened)`},
		{"shell_session_msg", `(?i)shell\s+(?:session|access)\s+(?:granted|started|enabled)`},
		{"tty_control", "\x1b\\[[0-9;]*[a-zA-Z]"},
	},
	FamilyMCPShellTransition: {
		{"enable_shell", `(?i)\b(?:enable|start|spawn|open)[-_ ]?shell\b`},
		{"shell_mode", `(?i)\bshell[-_ ]?mode\b`},
		{"switch_to_shell", `(?i)switch(?:ing)?\s+to\s+(?:shell|command|terminal)\b`},
		{"sql_to_shell", `(?i)\bsql[-_ ]?(?:to|2)[-_ ]?shell\b`},
	},
	FamilyContextSwitching: {
		{"now_execute", `(?i)\bnow\s+(?:run|execute|spawn|launch)\b`},
		{"mode_assignment", `(?i)\bmode\s*[:=]\s*['"]?(?:shell|command|exec|system)['"]?`},
		{"unsafe_flag", `(?i)\bunsafe\s*[:=]\s*(?:true|1|yes)\b`},
	},
	FamilyDangerousHTTP: {
		{"curl_pipe_shell", `(?i)\b(?:curl|wget)\b[^|;\n]*\|\s*(?:ba)?sh\b`},
		{"base64_pipe_shell", `(?i)base64\s+(?:-d|--decode)[^|\n]*\|\s*(?:ba)?sh\b`},
		{"reverse_shell_tcp", `(?i)(?:ba)?sh\s+-i\s+>&\s*/dev/tcp/`},
		{"netcat_exec", `(?i)\bnc(?:\.exe|at)?\s+(?:-e|-c)\s`},
		{"encoded_exec", `(?i)\bexec\s*\(\s*(?:base64|atob|b64decode)`},
		{"eval_atob", `(?i)\beval\s*\(\s*atob\s*\(`},
	},
	FamilySuspiciousSQL: {
		{"union_select", `(?i)\bunion\s+(?:all\s+)?select\b`},
		{"stacked_destructive", `(?i);\s*(?:drop|delete|truncate|alter|shutdown)\b`},
		{"into_outfile", `(?i)\binto\s+(?:out|dump)file\b`},
		{"xp_cmdshell", `(?i)\bxp_cmdshell\b`},
		{"load_extension", `(?i)\bload_extension\s*\(`},
		{"attach_database", `(?i)\battach\s+database\b`},
		{"comment_terminator", `'\s*--`},
	},
	FamilySQLInjection: {
		{"quoted_tautology", `(?i)'\s*or\s*'[^']*'\s*=\s*'`},
		{"numeric_tautology", `(?i)\bor\s+\d+\s*=\s*\d+\b`},
		{"quote_break_destructive", `(?i)';?\s*(?:drop|delete|truncate)\s`},
		{"time_based", `(?i)\b(?:sleep|pg_sleep|waitfor\s+delay)\s*\(?\s*\d`},
		{"benchmark", `(?i)\bbenchmark\s*\(`},
	},
	FamilyMCPCommandExtraction: {
		{"quoted_binary_path", `'([^']*(?:/bin/|/usr/bin/|/sbin/|cmd\.exe|powershell)[^']*)'`},
		{"quoted_shell_directive", `'([^']*(?:enable-shell|shell-mode|exec:)[^']*)'`},
		{"quoted_piped_command", "'([^']*[|;`][^']*)'"},
		{"backtick_command", "`([^`]{2,})`"},
	},
	FamilyPrivilegeEscalation: {
		{"sudo", `(?i)\bsudo\b`},
		{"doas", `(?i)\bdoas\b`},
		{"pkexec", `(?i)\bpkexec\b`},
		{"su_root", `(?i)\bsu\s+(?:-\s+)?root\b`},
		{"setuid_bit", `(?i)\bchmod\s+(?:u\+s|[24][0-7]{3})\b`},
		{"setuid_call", `(?i)\bsetuid\s*\(`},
	},
	FamilySuspiciousDirs: {
		{"tmp_exec", `(?i)^(?:/tmp|/var/tmp|/dev/shm)(?:/|$)`},
		{"windows_temp", `(?i)\\(?:temp|windows\\temp)\\`},
		{"downloads", `(?i)(?:/|\\)downloads(?:/|\\)`},
		{"hidden_dir", `(?i)/\.[^/]+/(?:[^/]+/)*[^/]+$`},
	},
}
