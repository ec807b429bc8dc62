package main

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const defaultServer = "http://localhost:8080"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "push":
		cmdPush(args)
	case "pull":
		cmdPull(args)
	case "info":
		cmdInfo(args)
	case "delete":
		cmdDelete(args)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Depot CLI

Usage:
  depot push <owner>/<repo> <version> <file> [options]
  depot pull <owner>/<repo> <version> [options]
  depot info <owner>/<repo> [options]
  depot delete <owner>/<repo> <version> [options]

Options:
  --server <url>    Server URL (default: http://localhost:8080)
  --token <token>   Authentication token (push and delete)
  --output <file>   Output file path (for pull)
  --name <text>     Release name (for push)
  --notes <text>    Release notes (for push)`)
}

// parseFlags extracts --key value pairs from args.
func parseFlags(args []string) (positional []string, flags map[string]string) {
	flags = make(map[string]string)
	for i := 0; i < len(args); i++ {
		if strings.HasPrefix(args[i], "--") && i+1 < len(args) {
			flags[strings.TrimPrefix(args[i], "--")] = args[i+1]
			i++
		} else {
			positional = append(positional, args[i])
		}
	}
	return
}

func getFlag(flags map[string]string, key, def string) string {
	if v, ok := flags[key]; ok {
		return v
	}
	return def
}

func requireToken(flags map[string]string) string {
	token := getFlag(flags, "token", "")
	if token == "" {
		fmt.Fprintln(os.Stderr, "error: --token is required")
		os.Exit(1)
	}
	return token
}

// splitPackage parses an <owner>/<repo> argument.
func splitPackage(arg string) (owner, repo string) {
	owner, repo, ok := strings.Cut(arg, "/")
	if !ok || owner == "" || repo == "" {
		fmt.Fprintf(os.Stderr, "error: package must be <owner>/<repo>, got %q\n", arg)
		os.Exit(1)
	}
	return owner, repo
}

func cmdPush(args []string) {
	pos, flags := parseFlags(args)
	if len(pos) < 3 {
		fmt.Fprintln(os.Stderr, "usage: depot push <owner>/<repo> <version> <file> [--server URL] [--token TOKEN]")
		os.Exit(1)
	}

	owner, repo := splitPackage(pos[0])
	version, filePath := pos[1], pos[2]
	server := getFlag(flags, "server", defaultServer)
	token := requireToken(flags)

	file, err := os.Open(filePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening file: %v\n", err)
		os.Exit(1)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading file info: %v\n", err)
		os.Exit(1)
	}

	// Stream the multipart body through a pipe so the upload never
	// buffers the whole artifact in memory.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writePublishForm(mw, repo, version, flags, &progressReader{
			reader: file,
			total:  info.Size(),
			label:  "Uploading",
		}, filepath.Base(filePath))
		mw.Close()
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequest("POST", releasesURL(server, owner, repo), pr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating request: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "\nerror: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	fmt.Println() // newline after progress

	if resp.StatusCode != http.StatusCreated {
		fmt.Fprintln(os.Stderr, formatHTTPError(resp))
		os.Exit(1)
	}

	var result struct {
		Checksum string `json:"checksum"`
		Size     int64  `json:"size"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		os.Exit(1)
	}
	elapsed := time.Since(start)

	fmt.Printf("Pushed %s/%s@%s\n", owner, repo, version)
	fmt.Printf("  Checksum: %s\n", result.Checksum)
	fmt.Printf("  Size:     %s\n", humanize.IBytes(uint64(result.Size)))
	fmt.Printf("  Duration: %v\n", elapsed.Round(time.Millisecond))
}

// writePublishForm emits the publish form fields and the file part.
func writePublishForm(mw *multipart.Writer, repo, version string, flags map[string]string, file io.Reader, filename string) error {
	if err := mw.WriteField("tag_name", version); err != nil {
		return err
	}
	if name := getFlag(flags, "name", ""); name != "" {
		if err := mw.WriteField("name", name); err != nil {
			return err
		}
	}
	if notes := getFlag(flags, "notes", ""); notes != "" {
		if err := mw.WriteField("body", notes); err != nil {
			return err
		}
	}
	if filename == "" {
		filename = fmt.Sprintf("%s-%s.pkg", repo, version)
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	_, err = io.Copy(fw, file)
	return err
}

func cmdPull(args []string) {
	pos, flags := parseFlags(args)
	if len(pos) < 2 {
		fmt.Fprintln(os.Stderr, "usage: depot pull <owner>/<repo> <version> [--server URL] [--output FILE]")
		os.Exit(1)
	}

	owner, repo := splitPackage(pos[0])
	version := pos[1]
	server := getFlag(flags, "server", defaultServer)
	output := getFlag(flags, "output", fmt.Sprintf("%s-%s.pkg", repo, version))

	resp, err := http.Get(downloadURL(server, owner, repo, version))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintln(os.Stderr, formatHTTPError(resp))
		os.Exit(1)
	}

	outputDir := filepath.Dir(output)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "error creating output directory: %v\n", err)
		os.Exit(1)
	}

	tmpOutput := output + ".part"
	file, err := os.Create(tmpOutput)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating output file: %v\n", err)
		os.Exit(1)
	}
	success := false
	defer func() {
		file.Close()
		if !success {
			_ = os.Remove(tmpOutput)
		}
	}()

	pw := &progressWriter{
		writer: file,
		total:  resp.ContentLength,
		label:  "Downloading",
	}

	start := time.Now()
	n, err := io.Copy(pw, resp.Body)
	fmt.Println() // newline after progress
	if err != nil {
		fmt.Fprintf(os.Stderr, "error downloading: %v\n", err)
		os.Exit(1)
	}
	if err := file.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "error closing downloaded file: %v\n", err)
		os.Exit(1)
	}
	if err := os.Remove(output); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "error replacing output file: %v\n", err)
		os.Exit(1)
	}
	if err := os.Rename(tmpOutput, output); err != nil {
		fmt.Fprintf(os.Stderr, "error finalizing output file: %v\n", err)
		os.Exit(1)
	}
	success = true

	elapsed := time.Since(start)
	fmt.Printf("Pulled %s/%s@%s -> %s\n", owner, repo, version, output)
	fmt.Printf("  Checksum: %s\n", resp.Header.Get("X-Artifact-Checksum"))
	fmt.Printf("  Size:     %s\n", humanize.IBytes(uint64(n)))
	fmt.Printf("  Duration: %v\n", elapsed.Round(time.Millisecond))
}

func cmdInfo(args []string) {
	pos, flags := parseFlags(args)
	if len(pos) < 1 {
		fmt.Fprintln(os.Stderr, "usage: depot info <owner>/<repo> [--server URL]")
		os.Exit(1)
	}

	owner, repo := splitPackage(pos[0])
	server := getFlag(flags, "server", defaultServer)

	resp, err := http.Get(packageURL(server, owner, repo))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintln(os.Stderr, formatHTTPError(resp))
		os.Exit(1)
	}

	var summary struct {
		Owner          string `json:"owner"`
		Repo           string `json:"repo"`
		CreatedAt      string `json:"created_at"`
		TotalDownloads int64  `json:"total_downloads"`
		Releases       []struct {
			Tag           string `json:"tag"`
			SizeBytes     int64  `json:"size"`
			DownloadCount int64  `json:"download_count"`
			Prerelease    bool   `json:"prerelease"`
		} `json:"releases"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s/%s\n", summary.Owner, summary.Repo)
	fmt.Printf("  Downloads: %d\n", summary.TotalDownloads)
	fmt.Println("  Releases:")
	for _, r := range summary.Releases {
		marker := ""
		if r.Prerelease {
			marker = " (prerelease)"
		}
		fmt.Printf("    %-12s %10s  %d downloads%s\n", r.Tag, humanize.IBytes(uint64(r.SizeBytes)), r.DownloadCount, marker)
	}
}

func cmdDelete(args []string) {
	pos, flags := parseFlags(args)
	if len(pos) < 2 {
		fmt.Fprintln(os.Stderr, "usage: depot delete <owner>/<repo> <version> [--server URL] [--token TOKEN]")
		os.Exit(1)
	}

	owner, repo := splitPackage(pos[0])
	version := pos[1]
	server := getFlag(flags, "server", defaultServer)
	token := requireToken(flags)

	req, _ := http.NewRequest("DELETE", releaseURL(server, owner, repo, version), nil)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintln(os.Stderr, formatHTTPError(resp))
		os.Exit(1)
	}

	fmt.Printf("Deleted %s/%s@%s\n", owner, repo, version)
}

// progressReader wraps a reader and prints progress.
type progressReader struct {
	reader  io.Reader
	total   int64
	current int64
	label   string
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	pr.current += int64(n)
	printProgress(pr.label, pr.current, pr.total)
	return n, err
}

// progressWriter wraps a writer and prints progress.
type progressWriter struct {
	writer  io.Writer
	total   int64
	current int64
	label   string
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.writer.Write(p)
	pw.current += int64(n)
	printProgress(pw.label, pw.current, pw.total)
	return n, err
}

func printProgress(label string, current, total int64) {
	if total <= 0 {
		fmt.Fprintf(os.Stderr, "\r%s: %s", label, humanize.IBytes(uint64(current)))
		return
	}
	pct := float64(current) / float64(total) * 100
	barLen := 30
	filled := int(pct / 100 * float64(barLen))
	if filled > barLen {
		filled = barLen
	}
	bar := strings.Repeat("=", filled) + strings.Repeat(" ", barLen-filled)
	fmt.Fprintf(os.Stderr, "\r%s: [%s] %.1f%% %s/%s", label, bar, pct,
		humanize.IBytes(uint64(current)), humanize.IBytes(uint64(total)))
}

func packageURL(server, owner, repo string) string {
	return fmt.Sprintf("%s/api/v1/packages/%s/%s",
		strings.TrimRight(server, "/"), url.PathEscape(owner), url.PathEscape(repo))
}

func releasesURL(server, owner, repo string) string {
	return packageURL(server, owner, repo) + "/releases"
}

func releaseURL(server, owner, repo, version string) string {
	return releasesURL(server, owner, repo) + "/" + url.PathEscape(version)
}

func downloadURL(server, owner, repo, version string) string {
	return packageURL(server, owner, repo) + "/download/" + url.PathEscape(version)
}

func formatHTTPError(resp *http.Response) string {
	body, _ := io.ReadAll(resp.Body)
	if len(body) == 0 {
		return fmt.Sprintf("error (%d): %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return fmt.Sprintf("error (%d): %s", resp.StatusCode, payload.Message)
	}
	return fmt.Sprintf("error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
