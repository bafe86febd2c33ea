// Package configs loads tresor configuration.
//
// Configuration is layered: built-in defaults, then the TOML file at
// .tresor/config.toml (or --config), then any CLI flag the user set
// explicitly. Relative paths in the file are resolved against the workspace
// root, the nearest ancestor directory holding .tresor.
//
// # File Format
//
//	[store]
//	driver = "file"          # file | memory | postgres
//	path   = ".tresor/state.json"
//	dsn    = ""
//
//	[crypto]
//	rsa_bits = 4096
//	[crypto.kdf]
//	time = 1
//	memory_kib = 65536
//	threads = 4
//
//	[workers]
//	count = 0                # 0 = number of CPUs
//	queue_depth = 64
//
//	[rotation]
//	batch_size = 64
//	max_retries = 5
//	initial_interval = "20ms"
//
//	[audit]
//	path = ".tresor/audit.jsonl"
//
//	[access]
//	graph = ".tresor/access.toml"
//
// Unknown keys are rejected.
package configs
