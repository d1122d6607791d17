// cmd/rankbot/main.go
//
// rankbot entry point.
//
// Context
// -------
// The binary has three jobs.  `run` connects to the gateway and serves
// slash commands until SIGINT or SIGTERM.  `positions` and `schema` open
// the database without a gateway and print what the bot would load, which
// is the first thing to check when a role does not sync.
//
// Usage
// -----
//
//	rankbot run
//	rankbot positions --guild 123456789012345678
//	rankbot schema
//
// Configuration comes from conf/rankbot.yaml under the root directory
// (RANKBOT_ROOT, --root, or the first parent that has one) with RANKBOT_
// environment overrides.
package main

func main() { Execute() }
