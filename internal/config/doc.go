// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config provides configuration management for hlsingest.
//
// Precedence, lowest to highest: built-in defaults, the YAML file, then
// HLSINGEST_* environment variables. The merged result is validated once.
package config
