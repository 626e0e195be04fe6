package config

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterStructValidation(validateNamespace, NamespaceConfig{})
		validate.RegisterStructValidation(validateArchive, ArchiveConfig{})
	})
	return validate
}

// Validate checks field constraints and the settings the selected backend
// needs. Every violation is reported, one per line.
func Validate(cfg *Config) error {
	err := validatorInstance().Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("%s: failed on '%s' validation", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			msg += " (" + fe.Param() + ")"
		}
		msgs = append(msgs, msg)
	}
	return errors.New(strings.Join(msgs, "\n"))
}

// validateNamespace requires the keys of the selected backend only.
func validateNamespace(sl validator.StructLevel) {
	ns := sl.Current().Interface().(NamespaceConfig)

	switch ns.Backend {
	case "changelog":
		cl := ns.Changelog
		if cl.FilesPath == "" {
			sl.ReportError(cl.FilesPath, "Changelog.FilesPath", "FilesPath", "required", "")
		}
		if cl.ContainersPath == "" {
			sl.ReportError(cl.ContainersPath, "Changelog.ContainersPath", "ContainersPath", "required", "")
		}
		if cl.FilesPath != "" && cl.FilesPath == cl.ContainersPath {
			sl.ReportError(cl.ContainersPath, "Changelog.ContainersPath", "ContainersPath", "nefield", "FilesPath")
		}

	case "remote":
		r := ns.Remote
		if r.Cluster == "" {
			sl.ReportError(r.Cluster, "Remote.Cluster", "Cluster", "required", "")
		}
		if r.FlusherMD == "" {
			sl.ReportError(r.FlusherMD, "Remote.FlusherMD", "FlusherMD", "required", "")
		}
		if r.FlusherQuota != "" && r.FlusherQuota == r.FlusherMD {
			sl.ReportError(r.FlusherQuota, "Remote.FlusherQuota", "FlusherQuota", "nefield", "FlusherMD")
		}
		if bits.OnesCount64(r.NumBuckets) != 1 {
			sl.ReportError(r.NumBuckets, "Remote.NumBuckets", "NumBuckets", "power_of_two", "")
		}
	}
}

func validateArchive(sl validator.StructLevel) {
	a := sl.Current().Interface().(ArchiveConfig)
	if a.Enabled && a.Bucket == "" {
		sl.ReportError(a.Bucket, "Bucket", "Bucket", "required", "")
	}
	if (a.AccessKey == "") != (a.SecretKey == "") {
		sl.ReportError(a.SecretKey, "SecretKey", "SecretKey", "required_with", "AccessKey")
	}
}
