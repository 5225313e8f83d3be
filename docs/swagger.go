// Package docs contains the OpenAPI documentation for splice
//
//	@title			Splice Chunked Upload API
//	@version		1.0
//	@description	Upload large files as independently sent, possibly out-of-order chunks and reassemble them on completion.
//
//	@license.name	MIT
//	@license.url	https://opensource.org/licenses/MIT
//
//	@host		localhost:8000
//	@BasePath	/
//	@schemes	http https
//
//	@tag.name			Uploads
//	@tag.description	Chunked upload session operations
package docs
