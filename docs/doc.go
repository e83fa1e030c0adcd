// Package docs provides generated OpenAPI documentation.
//
// mathbank API
//
//	@title			mathbank API
//	@version		1.0
//	@description	Competition packet extraction: uploads, page queue, question bank and usage.
//
//	@license.name	MIT
//	@license.url	https://opensource.org/licenses/MIT
//
//	@host		localhost:8080
//	@BasePath	/
//
//	@schemes	http https
package docs

//go:generate swag init -g ../cmd/mathbank/serve.go -o ./swagger --parseDependency --parseInternal
