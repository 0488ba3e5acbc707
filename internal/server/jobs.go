package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	jobdomain "github.com/vendora-hq/vendora/internal/job/domain"
)

func (s *Server) SubmitJob(c *gin.Context) {
	var req jobdomain.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	job, err := s.jobSvc.Submit(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, job)
}

func (s *Server) GetJob(c *gin.Context) {
	job, err := s.jobSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, job)
}

func (s *Server) ListJobs(c *gin.Context) {
	var req jobdomain.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.jobSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) StartJob(c *gin.Context) {
	job, err := s.jobSvc.Start(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, job)
}

func (s *Server) RecordJobProgress(c *gin.Context) {
	var req jobdomain.ProgressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	req.JobID = c.Param("id")

	job, err := s.jobSvc.RecordProgress(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, job)
}

type completeJobRequest struct {
	ResultSummary string `json:"result_summary"`
}

func (s *Server) CompleteJob(c *gin.Context) {
	var req completeJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	job, err := s.jobSvc.Complete(c.Request.Context(), c.Param("id"), req.ResultSummary)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, job)
}

type failJobRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) FailJob(c *gin.Context) {
	var req failJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	job, err := s.jobSvc.Fail(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, job)
}

func (s *Server) CancelJob(c *gin.Context) {
	job, err := s.jobSvc.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, job)
}

func (s *Server) AppendJobAction(c *gin.Context) {
	var req jobdomain.AppendActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	req.JobID = c.Param("id")

	seq, err := s.jobSvc.AppendAction(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"seq": seq})
}

func (s *Server) ListJobActions(c *gin.Context) {
	afterSeq, _ := strconv.ParseInt(c.Query("after_seq"), 10, 64)

	pageSize, _ := strconv.Atoi(c.Query("page_size"))

	resp, err := s.jobSvc.ListActions(c.Request.Context(), jobdomain.ListActionsRequest{
		JobID:    c.Param("id"),
		AfterSeq: afterSeq,
		PageSize: pageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
