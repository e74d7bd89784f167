// SPDX-License-Identifier: MIT

// Package config provides environment-first configuration for harmony.
//
// Every knob is read once at startup through the Parse* helpers, which log
// whether the value came from the environment or a default. The resulting
// Config value is passed explicitly to each subsystem.
package config
