package backend

import (
	"fmt"
	"net/textproto"
	"strings"

	"github.com/zhouzirui/z-tavern/assistant/internal/service/attachment"
)

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// fileHeader is multipart.CreateFormFile with the file's own content type.
func fileHeader(file attachment.File) textproto.MIMEHeader {
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(file.Name)))
	h.Set("Content-Type", contentType)
	return h
}
