// Package fixtures embeds recorded provider exchanges used across tests.
package fixtures

import (
	_ "embed"
)

var (
	//go:embed anthropic/simple.txtar
	AntSimple []byte
)

var (
	//go:embed openai/text_and_tool.txtar
	OaiTextAndTool []byte

	//go:embed openai/stream_error.txtar
	OaiMidStreamError []byte

	//go:embed openai/non_stream_error.txtar
	OaiNonStreamError []byte
)
