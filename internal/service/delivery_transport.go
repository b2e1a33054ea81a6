package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/pkg/sftp"
	"github.com/studio-b12/gowebdav"
	"golang.org/x/crypto/ssh"
)

// sendPrint drops the receipt into the print spool directory, where the
// print daemon on the host picks it up.
func (s *DeliveryService) sendPrint(sessionID string, artifacts []artifact) error {
	for _, a := range artifacts {
		if filepath.Ext(a.Name) != ".pdf" {
			continue
		}
		if _, err := s.receipts.Save(path.Join("print", a.Name), a.Data); err != nil {
			return fmt.Errorf("spool print job: %w", err)
		}
	}
	return nil
}

// sendCopy writes the artifacts onto the shared mount.
func (s *DeliveryService) sendCopy(ctx context.Context, sessionID, target string, artifacts []artifact) error {
	if target == "" {
		target = sessionID
	}
	dir := filepath.Join(s.cfg.MountDir, filepath.Clean("/"+target))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("prepare copy target: %w", err)
	}
	for _, a := range artifacts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, a.Name), a.Data, 0o644); err != nil {
			return fmt.Errorf("copy %s: %w", a.Name, err)
		}
	}
	return nil
}

func (s *DeliveryService) sendFTP(ctx context.Context, target string, artifacts []artifact) error {
	if s.cfg.FTPAddr == "" {
		return fmt.Errorf("ftp delivery not configured")
	}
	conn, err := ftp.Dial(s.cfg.FTPAddr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(30*time.Second))
	if err != nil {
		return fmt.Errorf("ftp dial: %w", err)
	}
	defer conn.Quit() //nolint:errcheck

	if err := conn.Login(s.cfg.FTPUser, s.cfg.FTPPassword); err != nil {
		return fmt.Errorf("ftp login: %w", err)
	}
	if target != "" {
		// MakeDir fails when the directory exists; Stor below decides.
		_ = conn.MakeDir(target)
	}
	for _, a := range artifacts {
		if err := conn.Stor(path.Join(target, a.Name), bytes.NewReader(a.Data)); err != nil {
			return fmt.Errorf("ftp store %s: %w", a.Name, err)
		}
	}
	return nil
}

func (s *DeliveryService) sendSFTP(target string, artifacts []artifact) error {
	if s.cfg.SFTPAddr == "" {
		return fmt.Errorf("sftp delivery not configured")
	}
	sshConn, err := ssh.Dial("tcp", s.cfg.SFTPAddr, &ssh.ClientConfig{
		User:            s.cfg.SFTPUser,
		Auth:            []ssh.AuthMethod{ssh.Password(s.cfg.SFTPPassword)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
		Timeout:         30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("ssh dial: %w", err)
	}
	defer sshConn.Close() //nolint:errcheck

	client, err := sftp.NewClient(sshConn)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer client.Close() //nolint:errcheck

	if target != "" {
		if err := client.MkdirAll(target); err != nil {
			return fmt.Errorf("sftp mkdir %s: %w", target, err)
		}
	}
	for _, a := range artifacts {
		remote, err := client.Create(path.Join(target, a.Name))
		if err != nil {
			return fmt.Errorf("sftp create %s: %w", a.Name, err)
		}
		_, writeErr := remote.Write(a.Data)
		closeErr := remote.Close()
		if writeErr != nil {
			return fmt.Errorf("sftp write %s: %w", a.Name, writeErr)
		}
		if closeErr != nil {
			return fmt.Errorf("sftp close %s: %w", a.Name, closeErr)
		}
	}
	return nil
}

func (s *DeliveryService) sendWebDAV(target string, artifacts []artifact) error {
	if s.cfg.WebDAVURL == "" {
		return fmt.Errorf("webdav delivery not configured")
	}
	client := gowebdav.NewClient(s.cfg.WebDAVURL, s.cfg.WebDAVUser, s.cfg.WebDAVPassword)
	if target != "" {
		if err := client.MkdirAll(target, 0o755); err != nil {
			return fmt.Errorf("webdav mkdir %s: %w", target, err)
		}
	}
	for _, a := range artifacts {
		if err := client.Write(path.Join(target, a.Name), a.Data, 0o644); err != nil {
			return fmt.Errorf("webdav write %s: %w", a.Name, err)
		}
	}
	return nil
}

// sendEmail mails the artifacts as a multipart MIME message.
func (s *DeliveryService) sendEmail(sessionID, recipient string, artifacts []artifact) error {
	if s.cfg.SMTPAddr == "" || s.cfg.SMTPFrom == "" {
		return fmt.Errorf("smtp delivery not configured")
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	fmt.Fprintf(body, "From: %s\r\n", s.cfg.SMTPFrom)
	fmt.Fprintf(body, "To: %s\r\n", recipient)
	fmt.Fprintf(body, "Subject: Scan results for session %s\r\n", sessionID)
	fmt.Fprintf(body, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(body, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", writer.Boundary())

	textPart, err := writer.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"text/plain; charset=utf-8"},
	})
	if err != nil {
		return fmt.Errorf("email text part: %w", err)
	}
	fmt.Fprintf(textPart, "Scan session %s finished. Receipt and manifest attached.\r\n", sessionID)

	for _, a := range artifacts {
		part, err := writer.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {"application/octet-stream"},
			"Content-Transfer-Encoding": {"base64"},
			"Content-Disposition":       {fmt.Sprintf("attachment; filename=%q", a.Name)},
		})
		if err != nil {
			return fmt.Errorf("email attachment part: %w", err)
		}
		encoder := base64.NewEncoder(base64.StdEncoding, part)
		if _, err := encoder.Write(a.Data); err != nil {
			return fmt.Errorf("encode attachment %s: %w", a.Name, err)
		}
		if err := encoder.Close(); err != nil {
			return fmt.Errorf("finish attachment %s: %w", a.Name, err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finish email body: %w", err)
	}

	if err := smtp.SendMail(s.cfg.SMTPAddr, nil, s.cfg.SMTPFrom, []string{recipient}, body.Bytes()); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}
