package pipeline

import (
	"archive/zip"
	"bytes"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/sirupsen/logrus"

	"invoice-collector-go/internal/classifier"
)

// zipMemberTypes are the members worth classifying inside an archive.
var zipMemberTypes = map[string]string{
	".pdf":  classifier.MediaPDF,
	".jpg":  classifier.MediaJPEG,
	".jpeg": classifier.MediaJPEG,
	".png":  classifier.MediaPNG,
	".tiff": classifier.MediaTIFF,
	".tif":  classifier.MediaTIFF,
	".xlsx": classifier.MediaXLSX,
}

// IsZip reports whether the attachment is an archive to unpack.
func IsZip(filename, contentType string) bool {
	return classifier.MediaType(filename, contentType) == classifier.MediaZIP ||
		strings.HasSuffix(strings.ToLower(filename), ".zip")
}

// unpackZip turns an archive job into one job per supported member. Member
// attachment ids are <archive id>/<member path>. Directories, macOS resource
// forks, nested archives, unsupported types and members over maxBytes are
// dropped. Once the members read so far reach maxTotal the rest of the
// archive is dropped. An unreadable archive yields no jobs.
//
// A member is named by its base name unless another member shares it, in
// which case its folders are kept in the name so each lands on its own
// remote path.
func unpackZip(archive *Job, maxBytes, maxTotal int64) []*Job {
	log := logrus.WithFields(logrus.Fields{
		"message_id":    archive.MessageID,
		"attachment_id": archive.AttachmentID,
		"filename":      archive.Filename,
	})

	zr, err := zip.NewReader(bytes.NewReader(archive.Data), int64(len(archive.Data)))
	if err != nil {
		log.WithError(err).Warn("Could not open zip attachment")
		return nil
	}

	type member struct {
		file        *zip.File
		name        string
		contentType string
	}
	var members []member
	bases := make(map[string]int)
	for _, f := range zr.File {
		name := strings.ReplaceAll(f.Name, "\\", "/")
		base := path.Base(name)
		if f.FileInfo().IsDir() || strings.Contains(name, "__MACOSX") || strings.HasPrefix(base, "._") {
			continue
		}
		contentType, ok := zipMemberTypes[strings.ToLower(path.Ext(base))]
		if !ok {
			log.WithField("member", name).Debug("Skipping unsupported zip member")
			continue
		}
		members = append(members, member{file: f, name: name, contentType: contentType})
		bases[strings.ToLower(base)]++
	}

	var jobs []*Job
	remaining := maxTotal
	for _, m := range members {
		log := log.WithField("member", m.name)
		if maxBytes > 0 && m.file.UncompressedSize64 > uint64(maxBytes) {
			log.Warn("Skipping oversized zip member")
			continue
		}

		limit := maxBytes
		if maxTotal > 0 {
			if remaining <= 0 || m.file.UncompressedSize64 > uint64(remaining) {
				log.WithField("max_archive_bytes", maxTotal).Warn("Zip archive exceeds the unpack budget, dropping remaining members")
				break
			}
			if limit <= 0 || remaining < limit {
				limit = remaining
			}
		}

		data, err := readMember(m.file, limit)
		if err != nil {
			if errors.Is(err, errOversized) && maxTotal > 0 && limit == remaining {
				log.WithField("max_archive_bytes", maxTotal).Warn("Zip archive exceeds the unpack budget, dropping remaining members")
				break
			}
			log.WithError(err).Warn("Could not read zip member")
			continue
		}
		remaining -= int64(len(data))

		filename := path.Base(m.name)
		if bases[strings.ToLower(filename)] > 1 {
			filename = strings.ReplaceAll(strings.Trim(m.name, "/"), "/", "_")
		}

		jobs = append(jobs, &Job{
			MessageID:    archive.MessageID,
			Sender:       archive.Sender,
			Subject:      archive.Subject,
			ReceivedAt:   archive.ReceivedAt,
			AttachmentID: archive.AttachmentID + "/" + m.name,
			Filename:     filename,
			ContentType:  m.contentType,
			Data:         data,
		})
	}

	log.WithField("members", len(jobs)).Info("Unpacked zip attachment")
	return jobs
}

func readMember(f *zip.File, maxBytes int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var r io.Reader = rc
	if maxBytes > 0 {
		// The header size can lie; never read past the limit.
		r = io.LimitReader(rc, maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, errOversized
	}
	return data, nil
}
