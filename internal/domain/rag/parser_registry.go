package rag

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
)

// ParserRegistry 按扩展名分发的解析器注册表
type ParserRegistry struct {
	mu      sync.RWMutex
	parsers map[string]Parser
}

// NewParserRegistry 创建注册表并挂载内置解析器
func NewParserRegistry() *ParserRegistry {
	r := &ParserRegistry{parsers: make(map[string]Parser)}
	r.Register(&TextParser{})
	r.Register(&MarkdownParser{})
	r.Register(&PDFParser{})
	r.Register(&DOCXParser{})
	return r
}

// Register 注册解析器，后注册的覆盖同扩展名的先注册者
func (r *ParserRegistry) Register(p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ext := range p.Extensions() {
		r.parsers[strings.ToLower(ext)] = p
	}
}

// SupportedTypes 当前支持的扩展名列表
func (r *ParserRegistry) SupportedTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exts := make([]string, 0, len(r.parsers))
	for ext := range r.parsers {
		exts = append(exts, ext)
	}
	return exts
}

// Parse 根据文件名选择解析器并解析
func (r *ParserRegistry) Parse(reader io.Reader, filename string) (*ParsedDocument, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return nil, fmt.Errorf("filename %q has no extension", filename)
	}

	r.mu.RLock()
	p, ok := r.parsers[ext]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported file type %s", ext)
	}

	parsed, err := p.Parse(reader, filename)
	if err != nil {
		return nil, err
	}
	if parsed.Title == "" {
		parsed.Title = strings.TrimSuffix(filepath.Base(filename), ext)
	}
	return parsed, nil
}
