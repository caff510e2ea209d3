// Package tools provides the built-in tools exposed to the model:
// a two-operand calculator and an Open-Meteo backed weather lookup.
package tools
