// Copyright 2024-2026 Aiku AI

// Package discord adapts the bridge core to Discord: a discordgo-backed
// implementation of bridge.Platform, the gateway event wiring, and the
// user-facing bot commands (+link, +unlink, +list, +clear, ...).
//
// All raw Discord REST errors are classified into the bridge error taxonomy
// at this boundary; nothing above it sees a discordgo error type.
package discord
