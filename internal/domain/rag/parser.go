package rag

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"

	applog "ragweave/internal/platform/log"
)

// ParsedDocument 上传文件解析结果
type ParsedDocument struct {
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
	Pages   int    `json:"pages,omitempty"`
}

// Parser 文档解析器接口
type Parser interface {
	// Parse 解析文档，返回纯文本内容
	Parse(reader io.Reader, filename string) (*ParsedDocument, error)
	// Extensions 支持的文件扩展名
	Extensions() []string
}

// ── TextParser ───────────────────────────────────────────────

// TextParser 纯文本类文件
type TextParser struct{}

func (p *TextParser) Extensions() []string {
	return []string{".txt", ".text", ".csv", ".log"}
}

func (p *TextParser) Parse(reader io.Reader, filename string) (*ParsedDocument, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read text: %w", err)
	}
	return &ParsedDocument{Content: strings.TrimSpace(string(data))}, nil
}

// ── MarkdownParser ───────────────────────────────────────────

// MarkdownParser 去除 Markdown 标记，保留正文与代码内容
type MarkdownParser struct{}

var (
	reMDCodeFence = regexp.MustCompile("```[a-zA-Z0-9]*\n?")
	reMDImage     = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)
	reMDLink      = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	reMDEmphasis  = regexp.MustCompile(`(\*\*|__|\*|_|` + "`" + `)`)
	reMDHeading   = regexp.MustCompile(`(?m)^#{1,6}[ \t]+`)
	reMDHTMLTag   = regexp.MustCompile(`</?[a-zA-Z][^>]*>`)
	reBlankRuns   = regexp.MustCompile(`\n{3,}`)
)

func (p *MarkdownParser) Extensions() []string {
	return []string{".md", ".markdown"}
}

func (p *MarkdownParser) Parse(reader io.Reader, filename string) (*ParsedDocument, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read markdown: %w", err)
	}
	text := string(data)

	// 首个一级标题作为文档标题
	title := ""
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			title = strings.TrimSpace(strings.TrimPrefix(line, "# "))
			break
		}
	}

	text = reMDImage.ReplaceAllString(text, "")
	text = reMDLink.ReplaceAllString(text, "$1")
	text = reMDCodeFence.ReplaceAllString(text, "")
	text = reMDHeading.ReplaceAllString(text, "")
	text = reMDEmphasis.ReplaceAllString(text, "")
	text = reMDHTMLTag.ReplaceAllString(text, "")
	text = reBlankRuns.ReplaceAllString(text, "\n\n")

	return &ParsedDocument{
		Title:   title,
		Content: strings.TrimSpace(text),
	}, nil
}

// ── PDFParser ────────────────────────────────────────────────

// PDFParser 提取 PDF 文本
type PDFParser struct{}

func (p *PDFParser) Extensions() []string {
	return []string{".pdf"}
}

func (p *PDFParser) Parse(reader io.Reader, filename string) (*ParsedDocument, error) {
	// pdf 库需要 io.ReaderAt + size
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read pdf: %w", err)
	}

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf %s: %w", filename, err)
	}

	var sb strings.Builder
	pages := r.NumPage()
	for i := 1; i <= pages; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			applog.Warn("[RAG/Parser] Skipping unreadable pdf page", "file", filename, "page", i, "error", err)
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			sb.WriteString(text)
			sb.WriteString("\n\n")
		}
	}

	return &ParsedDocument{
		Content: strings.TrimSpace(reBlankRuns.ReplaceAllString(sb.String(), "\n\n")),
		Pages:   pages,
	}, nil
}

// ── DOCXParser ───────────────────────────────────────────────

// DOCXParser 提取 Word 文档文本
type DOCXParser struct{}

func (p *DOCXParser) Extensions() []string {
	return []string{".docx"}
}

func (p *DOCXParser) Parse(reader io.Reader, filename string) (*ParsedDocument, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read docx: %w", err)
	}

	r, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open docx %s: %w", filename, err)
	}
	defer r.Close()

	var sb strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(r.Editable().GetContent()))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}

	return &ParsedDocument{
		Content: strings.TrimSpace(reBlankRuns.ReplaceAllString(sb.String(), "\n\n")),
	}, nil
}
