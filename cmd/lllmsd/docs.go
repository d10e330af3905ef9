package main

// General API documentation for swaggo.
//
// @title           lllms API
// @version         1.0
// @description     HTTP API for local LLM chat, completion and embeddings.
//
// @contact.name   lllms maintainers
// @contact.url    https://github.com/avnigashi/lllms
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
