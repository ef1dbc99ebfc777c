package httpapi

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/sandboxagent/gateway/internal/common/problem"
)

// dispatchFS serves the filesystem extension methods. The gateway runs next
// to the agent inside the sandbox, so paths are taken as given.
func (s *Server) dispatchFS(method string, params map[string]any) (any, error) {
	path, _ := params["path"].(string)

	switch method {
	case "_sandboxagent/fs/list":
		return fsList(path)
	case "_sandboxagent/fs/read":
		return fsRead(path)
	case "_sandboxagent/fs/write":
		return fsWrite(path, params)
	case "_sandboxagent/fs/delete":
		recursive, _ := params["recursive"].(bool)
		return fsDelete(path, recursive)
	case "_sandboxagent/fs/mkdir":
		if path == "" {
			return nil, problem.New(problem.KindInvalidRequest, "path is required")
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fsError("mkdir", err)
		}
		return gin.H{"created": true}, nil
	case "_sandboxagent/fs/move":
		return fsMove(params)
	case "_sandboxagent/fs/stat":
		return fsStat(path)
	case "_sandboxagent/fs/upload_batch":
		return fsUploadBatch(params)
	default:
		return nil, problem.Newf(problem.KindInvalidRequest, "unknown fs method %q", method)
	}
}

func fsList(path string) (any, error) {
	if path == "" {
		return nil, problem.New(problem.KindInvalidRequest, "path is required")
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fsError("list", err)
	}
	out := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		item := gin.H{"name": e.Name(), "isDir": e.IsDir()}
		if info, err := e.Info(); err == nil {
			item["size"] = info.Size()
			item["modTime"] = info.ModTime().UTC().Format(time.RFC3339)
		}
		out = append(out, item)
	}
	return gin.H{"entries": out}, nil
}

func fsRead(path string) (any, error) {
	if path == "" {
		return nil, problem.New(problem.KindInvalidRequest, "path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fsError("read", err)
	}
	if utf8.Valid(data) {
		return gin.H{"content": string(data), "encoding": "utf-8"}, nil
	}
	return gin.H{"content": base64.StdEncoding.EncodeToString(data), "encoding": "base64"}, nil
}

func fsWrite(path string, params map[string]any) (any, error) {
	if path == "" {
		return nil, problem.New(problem.KindInvalidRequest, "path is required")
	}
	data, err := decodeContent(params)
	if err != nil {
		return nil, err
	}
	if createDirs, _ := params["createDirs"].(bool); createDirs {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fsError("write", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fsError("write", err)
	}
	return gin.H{"written": len(data)}, nil
}

func fsDelete(path string, recursive bool) (any, error) {
	if path == "" {
		return nil, problem.New(problem.KindInvalidRequest, "path is required")
	}
	var err error
	if recursive {
		err = os.RemoveAll(path)
	} else {
		err = os.Remove(path)
	}
	if err != nil {
		return nil, fsError("delete", err)
	}
	return gin.H{"deleted": true}, nil
}

func fsMove(params map[string]any) (any, error) {
	from, _ := params["from"].(string)
	to, _ := params["to"].(string)
	if from == "" || to == "" {
		return nil, problem.New(problem.KindInvalidRequest, "from and to are required")
	}
	if err := os.Rename(from, to); err != nil {
		return nil, fsError("move", err)
	}
	return gin.H{"moved": true}, nil
}

func fsStat(path string) (any, error) {
	if path == "" {
		return nil, problem.New(problem.KindInvalidRequest, "path is required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fsError("stat", err)
	}
	return gin.H{
		"size":    info.Size(),
		"isDir":   info.IsDir(),
		"mode":    info.Mode().String(),
		"modTime": info.ModTime().UTC().Format(time.RFC3339),
	}, nil
}

func fsUploadBatch(params map[string]any) (any, error) {
	files, _ := params["files"].([]any)
	if len(files) == 0 {
		return nil, problem.New(problem.KindInvalidRequest, "files is required")
	}
	written := 0
	for _, f := range files {
		entry, ok := f.(map[string]any)
		if !ok {
			return nil, problem.New(problem.KindInvalidRequest, "each file must be an object")
		}
		path, _ := entry["path"].(string)
		if _, err := fsWrite(path, entry); err != nil {
			return nil, err
		}
		written++
	}
	return gin.H{"written": written}, nil
}

func decodeContent(params map[string]any) ([]byte, error) {
	content, _ := params["content"].(string)
	encoding, _ := params["encoding"].(string)
	switch encoding {
	case "", "utf-8":
		return []byte(content), nil
	case "base64":
		data, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return nil, problem.Wrap(problem.KindInvalidRequest, "content is not valid base64", err)
		}
		return data, nil
	default:
		return nil, problem.Newf(problem.KindInvalidRequest, "unknown encoding %q", encoding)
	}
}

// fsError keeps filesystem failures inside the taxonomy: missing paths are
// client errors, everything else is a stream error.
func fsError(op string, err error) error {
	if os.IsNotExist(err) {
		return problem.Wrap(problem.KindInvalidRequest, op+": path does not exist", err)
	}
	return problem.Wrap(problem.KindStreamError, op+" failed", err)
}
