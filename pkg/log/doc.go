// Package log provides structured logging for skiff using zerolog.
//
// All components log through a single global logger initialized via Init.
// Reconcilers and backends create child loggers with WithComponent and the
// entity-scoped helpers so every line carries the ids needed to trace one
// entity across ticks.
package log
