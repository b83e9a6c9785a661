package session

import (
	"errors"

	"github.com/stemsi/exstem-candidate/internal/examapi"
)

// NoticeLevel grades a notice for display.
type NoticeLevel string

const (
	LevelInfo    NoticeLevel = "info"
	LevelWarning NoticeLevel = "warning"
	LevelError   NoticeLevel = "error"
)

// NoticeCode identifies a candidate-facing message.
type NoticeCode string

const (
	NoticeExamNotOpen      NoticeCode = "EXAM_NOT_OPEN"
	NoticeExamEnded        NoticeCode = "EXAM_ENDED"
	NoticeExamClosed       NoticeCode = "EXAM_CLOSED"
	NoticeExamDeleted      NoticeCode = "EXAM_DELETED"
	NoticeExamNotFound     NoticeCode = "EXAM_NOT_FOUND"
	NoticeUnauthorized     NoticeCode = "UNAUTHORIZED"
	NoticeServiceDown      NoticeCode = "SERVICE_UNAVAILABLE"
	NoticeFetchFailed      NoticeCode = "FETCH_FAILED"
	NoticeMissingRequired  NoticeCode = "MISSING_REQUIRED"
	NoticeSubmitFailed     NoticeCode = "SUBMIT_FAILED"
	NoticeSubmitDataLoss   NoticeCode = "SUBMIT_DATA_LOSS"
	NoticeSubmitted        NoticeCode = "SUBMITTED"
	NoticeAutoSubmitted    NoticeCode = "AUTO_SUBMITTED"
	NoticeOvertime         NoticeCode = "OVERTIME"
	NoticeMediaUnavailable NoticeCode = "MEDIA_UNAVAILABLE"
)

// Notice is a message for the candidate.
type Notice struct {
	Code    NoticeCode
	Level   NoticeLevel
	Message string
}

func newNotice(code NoticeCode) Notice {
	return Notice{Code: code, Level: levelOf(code), Message: GetMessage(code)}
}

func levelOf(code NoticeCode) NoticeLevel {
	switch code {
	case NoticeSubmitted, NoticeAutoSubmitted:
		return LevelInfo
	case NoticeOvertime, NoticeMediaUnavailable, NoticeMissingRequired, NoticeExamClosed:
		return LevelWarning
	default:
		return LevelError
	}
}

// GetMessage returns the candidate-facing text for a notice code.
func GetMessage(code NoticeCode) string {
	switch code {
	case NoticeExamNotOpen:
		return "Ujian ini belum dibuka atau sudah ditutup."
	case NoticeExamEnded:
		return "Waktu ujian telah berakhir."
	case NoticeExamClosed:
		return "Ujian telah ditutup oleh pengawas."
	case NoticeExamDeleted:
		return "Ujian ini telah dihapus."
	case NoticeExamNotFound:
		return "Ujian tidak ditemukan."
	case NoticeUnauthorized:
		return "Anda tidak memiliki akses ke ujian ini. Silakan login kembali."
	case NoticeServiceDown:
		return "Server ujian tidak dapat dihubungi. Periksa koneksi Anda."
	case NoticeFetchFailed:
		return "Gagal memuat ujian."
	case NoticeMissingRequired:
		return "Masih ada pertanyaan wajib yang belum dijawab."
	case NoticeSubmitFailed:
		return "Gagal mengirim jawaban. Silakan coba lagi."
	case NoticeSubmitDataLoss:
		return "Jawaban tidak dapat dikirim dan mungkin hilang. Hubungi pengawas."
	case NoticeSubmitted:
		return "Jawaban berhasil dikirim."
	case NoticeAutoSubmitted:
		return "Waktu habis. Jawaban dikirim otomatis."
	case NoticeOvertime:
		return "Waktu habis. Anda masih dapat mengirim jawaban terlambat."
	case NoticeMediaUnavailable:
		return "Kamera tidak tersedia. Ujian tetap berjalan tanpa video."
	default:
		return "Terjadi kesalahan yang tidak terduga."
	}
}

// fetchNotice picks the notice for a failed definition fetch.
func fetchNotice(err error) Notice {
	switch {
	case errors.Is(err, examapi.ErrNotFound):
		return newNotice(NoticeExamNotFound)
	case errors.Is(err, examapi.ErrUnauthorized):
		return newNotice(NoticeUnauthorized)
	case errors.Is(err, examapi.ErrUnavailable):
		return newNotice(NoticeServiceDown)
	default:
		return newNotice(NoticeFetchFailed)
	}
}

func terminateNotice(reason TerminateReason) Notice {
	switch reason {
	case ReasonNotOpen:
		return newNotice(NoticeExamNotOpen)
	case ReasonEnded:
		return newNotice(NoticeExamEnded)
	case ReasonClosed:
		return newNotice(NoticeExamClosed)
	case ReasonDeleted:
		return newNotice(NoticeExamDeleted)
	case ReasonSubmitFailed:
		return newNotice(NoticeSubmitDataLoss)
	default:
		return newNotice(NoticeFetchFailed)
	}
}
