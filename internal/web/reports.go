package web

import (
	"archive/zip"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

const report_reports_zip = "reports.zip"

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// ReportFile is a published report in the reports directory.
type ReportFile struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// reportFiles lists published workbooks, newest first. Temp files and
// anything else starting with a dot are skipped.
func (s *Server) reportFiles() ([]ReportFile, error) {
	entries, err := os.ReadDir(s.options.ReportsDir)
	if os.IsNotExist(err) {
		return []ReportFile{}, nil
	}
	if err != nil {
		return nil, err
	}

	files := []ReportFile{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.EqualFold(filepath.Ext(name), ".xlsx") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed while listing
			continue
		}
		files = append(files, ReportFile{Name: name, Size: info.Size(), Modified: info.ModTime()})
	}
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].Modified.Equal(files[j].Modified) {
			return files[i].Name < files[j].Name
		}
		return files[i].Modified.After(files[j].Modified)
	})
	return files, nil
}

func (s *Server) listReports(w http.ResponseWriter, r *http.Request) {
	files, err := s.reportFiles()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, files)
}

// validReportName rejects anything that could leave the reports directory.
func validReportName(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") {
		return false
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return false
	}
	return strings.EqualFold(filepath.Ext(name), ".xlsx")
}

func (s *Server) downloadReport(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil || !validReportName(name) {
		s.respondError(w, http.StatusBadRequest, "invalid report name")
		return
	}

	path := filepath.Join(s.options.ReportsDir, name)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		s.respondError(w, http.StatusNotFound, "report not found")
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (s *Server) zipReports(w http.ResponseWriter, r *http.Request) {
	files, err := s.reportFiles()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(files) == 0 {
		s.respondError(w, http.StatusNotFound, "there are no reports yet")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="reports.zip"`)
	w.WriteHeader(http.StatusOK)

	archive := zip.NewWriter(w)
	for _, file := range files {
		err = addToZip(archive, filepath.Join(s.options.ReportsDir, file.Name), file)
		if err != nil {
			// headers are gone, the client gets a truncated archive
			s.tel.ReportWarning(report_reports_zip, file.Name, err)
			return
		}
	}
	err = archive.Close()
	if err != nil {
		s.tel.ReportWarning(report_reports_zip, err)
	}
}

func addToZip(archive *zip.Writer, path string, file ReportFile) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	entry, err := archive.CreateHeader(&zip.FileHeader{
		Name:     file.Name,
		Method:   zip.Deflate,
		Modified: file.Modified,
	})
	if err != nil {
		return err
	}
	_, err = io.Copy(entry, f)
	return err
}
